package installpipeline

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"regexp"
)

// declaredHookFuncPattern matches a bash function definition for one of the
// phases this pipeline cares about, in either "name()" or "function name"
// form.
var declaredHookFuncPattern = regexp.MustCompile(`(?m)^\s*(?:function\s+(?:pkg_setup|pkg_preinst|pkg_postinst)\s*(?:\(\s*\))?|(?:pkg_setup|pkg_preinst|pkg_postinst)\s*\(\s*\))\s*\{`)

// HasDeclaredHooks decompresses an ebuild's bzip2-compressed saved
// environment and reports whether it declares any of pkg_setup,
// pkg_preinst, or pkg_postinst (spec 4.J step 1). No declared hook means
// the caller can skip running the package through a container entirely.
func HasDeclaredHooks(environmentBz2 []byte) (bool, error) {
	r := bzip2.NewReader(bytes.NewReader(environmentBz2))
	data, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("decompressing environment.bz2: %w", err)
	}
	return declaredHookFuncPattern.Match(data), nil
}
