package installpipeline_test

import (
	"bytes"
	"os/exec"
	"testing"

	"alchemist.dev/alloy/internal/installpipeline"
)

// bzip2Compress shells out to bzip2(1) since the standard library only
// provides a decompressor. Skips the test if bzip2 isn't installed, since
// this merely builds the fixture; the production code path only decodes.
func bzip2Compress(t *testing.T, data []byte) []byte {
	t.Helper()
	cmd := exec.Command("bzip2", "-c")
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		t.Skipf("bzip2 not available to build test fixture: %v", err)
	}
	return out
}

func TestHasDeclaredHooks(t *testing.T) {
	cases := []struct {
		name string
		env  string
		want bool
	}{
		{
			name: "no hooks",
			env:  "CATEGORY=dev-libs\nPF=foo-1.0\n",
			want: false,
		},
		{
			name: "pkg_postinst",
			env:  "pkg_postinst() {\n\tebegin foo\n}\n",
			want: true,
		},
		{
			name: "function keyword form",
			env:  "function pkg_preinst {\n\t:\n}\n",
			want: true,
		},
		{
			name: "unrelated function",
			env:  "src_compile() {\n\t:\n}\n",
			want: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			compressed := bzip2Compress(t, []byte(c.env))
			got, err := installpipeline.HasDeclaredHooks(compressed)
			if err != nil {
				t.Fatalf("HasDeclaredHooks: %v", err)
			}
			if got != c.want {
				t.Errorf("HasDeclaredHooks() = %v, want %v", got, c.want)
			}
		})
	}
}
