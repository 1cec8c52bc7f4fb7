// Command build_package builds a single ebuild inside a prepared container
// and copies the resulting .tbz2 binary package out to the host (spec
// section 6, "build-package tool").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"alchemist.dev/alloy/internal/cliutil"
	"alchemist.dev/alloy/internal/container"
)

const (
	mainScript = "/mnt/host/.build_package/build_package.sh"
	jobServer  = "/mnt/host/.build_package/jobserver"
	ebuildExt  = ".ebuild"
)

// ebuildSpec is a parsed "--ebuild=<in-container-path>=<host-path>" flag,
// recording the category and base file name the in-container path implies
// so the final .tbz2's path can be derived without re-invoking the
// evaluator.
type ebuildSpec struct {
	mountPath string
	hostPath  string
	category  string
	fileName  string
}

// parseMountSpec splits a "<dest>=<src>" flag value, the convention shared
// by --ebuild, --file, --distfile, and --sysroot-file.
func parseMountSpec(spec string) (dest, src string, err error) {
	dest, src, ok := strings.Cut(spec, "=")
	if !ok {
		return "", "", fmt.Errorf("malformed spec %q: want <dest>=<src>", spec)
	}
	return dest, src, nil
}

func parseEbuildSpec(spec string) (*ebuildSpec, error) {
	mountPath, hostPath, err := parseMountSpec(spec)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(mountPath, ebuildExt) {
		return nil, fmt.Errorf("--ebuild mount path %q must end in %s", mountPath, ebuildExt)
	}
	category := filepath.Base(filepath.Dir(filepath.Dir(mountPath)))
	return &ebuildSpec{
		mountPath: mountPath,
		hostPath:  hostPath,
		category:  category,
		fileName:  filepath.Base(mountPath),
	}, nil
}

// gomaInfo and remoteexecInfo mirror the JSON documents the build
// orchestrator writes for --goma-info/--remoteexec-info; fields are decoded
// best-effort and simply skipped when absent, since most builds use
// neither remote backend.
type gomaInfo struct {
	UseGoma          bool   `json:"use_goma"`
	TmpDir           string `json:"tmp_dir"`
	Oauth2ConfigFile string `json:"oauth2_config_file"`
	LuciContext      string `json:"luci_context"`
}

type remoteexecInfo struct {
	UseRemoteexec   bool   `json:"use_remoteexec"`
	ReclientDir     string `json:"reclient_dir"`
	ReproxyCfgFile  string `json:"reproxy_cfg_file"`
	GcloudConfigDir string `json:"gcloud_config_dir"`
}

func readJSONInfo(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeUseFlags(sysroot string, ebuild *ebuildSpec, useFlags []string) error {
	dir := filepath.Join(sysroot, "etc", "portage", "package.use")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimSuffix(ebuild.fileName, ebuildExt)
	line := fmt.Sprintf("=%s/%s %s\n", ebuild.category, name, strings.Join(useFlags, " "))
	return os.WriteFile(filepath.Join(dir, "build_package"), []byte(line), 0o644)
}

func writeProfileBashrc(sysroot string, bashrcFiles []string) error {
	if len(bashrcFiles) == 0 {
		return nil
	}
	dir := filepath.Join(sysroot, "etc", "portage", "profile")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, path := range bashrcFiles {
		fmt.Fprintf(&b, "source %q\n", path)
	}
	return os.WriteFile(filepath.Join(dir, "profile.bashrc"), []byte(b.String()), 0o644)
}

func installSysrootFile(sysroot, mountPath, srcPath string) error {
	if !filepath.IsAbs(mountPath) {
		return fmt.Errorf("sysroot-file path %q must be absolute", mountPath)
	}
	dest := filepath.Join(sysroot, mountPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

var app = &cli.App{
	Name:  "build_package",
	Usage: "Build a single ebuild inside a prepared container and emit its .tbz2",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "board", Usage: "Target board name; unset builds for the host"},
		&cli.StringFlag{Name: "ebuild", Required: true, Usage: "<in-container .ebuild path>=<host .ebuild path>"},
		&cli.StringSliceFlag{Name: "file", Usage: "<in-container path>=<host path> bind mount, repeatable"},
		&cli.StringSliceFlag{Name: "distfile", Usage: "<in-container DISTDIR path>=<host path> bind mount, repeatable"},
		&cli.StringSliceFlag{Name: "git-tree", Usage: "Host directory bind-mounted for CROS_WORKON_TREE, repeatable"},
		&cli.StringSliceFlag{Name: "use-flags", Usage: "Full IUSE_EFFECTIVE set to build with"},
		&cli.StringSliceFlag{Name: "bashrc", Usage: "Absolute in-container bashrc path to source, repeatable"},
		&cli.StringFlag{Name: "jobserver", Usage: "Host-side named pipe for the GNU Make jobserver"},
		&cli.StringFlag{Name: "incremental-cache-dir", Usage: "Host directory persisting incremental ebuild artifacts"},
		&cli.StringFlag{Name: "ccache-dir", Usage: "Host directory persisting ccache artifacts"},
		&cli.BoolFlag{Name: "ccache", Usage: "Enable ccache; pair with --ccache-dir to persist it"},
		&cli.StringFlag{Name: "output", Usage: "Host path to copy the built .tbz2 to"},
		&cli.StringSliceFlag{Name: "sysroot-file", Usage: "<in-sysroot path>=<host path>, copied before the build runs"},
		&cli.BoolFlag{Name: "allow-network-access", Usage: "Allow network access during the build"},
		&cli.StringFlag{Name: "goma-info", Usage: "Path to a JSON document describing Goma settings"},
		&cli.StringFlag{Name: "remoteexec-info", Usage: "Path to a JSON document describing RBE settings"},
		&cli.BoolFlag{Name: "test", Usage: "Run the package's test phase as well"},
		&cli.StringFlag{Name: "mutable-base-dir", Required: true, Usage: "Writable directory backing the container's overlayfs"},
	},
	Action: func(c *cli.Context) error {
		ebuild, err := parseEbuildSpec(c.String("ebuild"))
		if err != nil {
			return err
		}

		settings := container.New(c.String("mutable-base-dir"))
		settings.AllowNetworkAccess = c.Bool("allow-network-access")
		settings.AddBindMount(ebuild.hostPath, ebuild.mountPath, false)

		for _, spec := range c.StringSlice("file") {
			dest, src, err := parseMountSpec(spec)
			if err != nil {
				return fmt.Errorf("--file: %w", err)
			}
			settings.AddBindMount(src, dest, false)
		}
		for _, spec := range c.StringSlice("distfile") {
			dest, src, err := parseMountSpec(spec)
			if err != nil {
				return fmt.Errorf("--distfile: %w", err)
			}
			settings.AddBindMount(src, dest, false)
		}
		for _, tree := range c.StringSlice("git-tree") {
			settings.AddBindMount(tree, tree, false)
		}
		if settings.AllowNetworkAccess {
			for _, p := range []string{"/etc/resolv.conf", "/etc/hosts"} {
				if _, err := os.Stat(p); err == nil {
					settings.AddBindMount(p, p, false)
				}
			}
		}

		env := map[string]string{}

		board := c.String("board")
		portageTmpDir := "/var/tmp/portage"
		portagePkgDir := "/var/lib/portage/pkgs"
		portageCacheDir := "/var/cache/portage"
		if board != "" {
			portageTmpDir = filepath.Join("/build", board, portageTmpDir)
			portagePkgDir = filepath.Join("/build", board, portagePkgDir)
			portageCacheDir = filepath.Join("/build", board, portageCacheDir)
		}

		if dir := c.String("incremental-cache-dir"); dir != "" {
			settings.AddBindMount(dir, portageCacheDir, true)
		}
		if c.Bool("ccache") {
			if dir := c.String("ccache-dir"); dir != "" {
				settings.AddBindMount(dir, "/var/cache/ccache", true)
				env["CCACHE_DIR"] = "/var/cache/ccache"
			}
		}

		var goma gomaInfo
		if err := readJSONInfo(c.String("goma-info"), &goma); err != nil {
			return fmt.Errorf("reading --goma-info: %w", err)
		}
		if goma.UseGoma {
			env["USE_GOMA"] = "true"
			if goma.TmpDir != "" {
				env["GOMA_TMP_DIR"] = goma.TmpDir
				settings.AddBindMount(goma.TmpDir, goma.TmpDir, true)
			}
			if goma.Oauth2ConfigFile != "" {
				settings.AddBindMount(goma.Oauth2ConfigFile, goma.Oauth2ConfigFile, false)
				env["GOMA_OAUTH2_CONFIG_FILE"] = goma.Oauth2ConfigFile
			}
			if goma.LuciContext != "" {
				settings.AddBindMount(goma.LuciContext, goma.LuciContext, false)
				env["LUCI_CONTEXT"] = goma.LuciContext
			}
		}

		var remoteexec remoteexecInfo
		if err := readJSONInfo(c.String("remoteexec-info"), &remoteexec); err != nil {
			return fmt.Errorf("reading --remoteexec-info: %w", err)
		}
		if remoteexec.UseRemoteexec {
			env["USE_REMOTEEXEC"] = "true"
			if remoteexec.ReclientDir != "" {
				env["RECLIENT_DIR"] = remoteexec.ReclientDir
				settings.AddBindMount(remoteexec.ReclientDir, remoteexec.ReclientDir, false)
			}
			if remoteexec.ReproxyCfgFile != "" {
				env["REPROXY_CFG"] = remoteexec.ReproxyCfgFile
				settings.AddBindMount(remoteexec.ReproxyCfgFile, remoteexec.ReproxyCfgFile, false)
			}
			if remoteexec.GcloudConfigDir != "" {
				settings.AddBindMount(remoteexec.GcloudConfigDir, remoteexec.GcloudConfigDir, false)
			}
		}

		if jobserver := c.String("jobserver"); jobserver != "" {
			settings.AddBindMount(jobserver, jobServer, false)
			env["MAKEFLAGS"] = fmt.Sprintf("--jobserver-auth=fifo:%s", jobServer)
		}

		prepared, err := settings.Prepare()
		if err != nil {
			return fmt.Errorf("preparing container: %w", err)
		}
		defer prepared.Close()

		rootDir := prepared.RootDir()
		if err := os.MkdirAll(filepath.Join(rootDir, portageTmpDir), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(rootDir, portagePkgDir), 0o755); err != nil {
			return err
		}

		sysroot := rootDir
		if board != "" {
			sysroot = filepath.Join(rootDir, "build", board)
		}
		for _, spec := range c.StringSlice("sysroot-file") {
			dest, src, err := parseMountSpec(spec)
			if err != nil {
				return fmt.Errorf("--sysroot-file: %w", err)
			}
			if err := installSysrootFile(sysroot, dest, src); err != nil {
				return fmt.Errorf("installing sysroot file %s: %w", dest, err)
			}
		}

		if err := writeUseFlags(sysroot, ebuild, c.StringSlice("use-flags")); err != nil {
			return fmt.Errorf("writing USE flags: %w", err)
		}
		if err := writeProfileBashrc(sysroot, c.StringSlice("bashrc")); err != nil {
			return fmt.Errorf("writing profile bashrc: %w", err)
		}

		cmdArgs := []string{"ebuild", "--skip-manifest", ebuild.mountPath, "package"}
		if c.Bool("test") {
			cmdArgs = append(cmdArgs, "test")
		}
		cmd := prepared.Command(mainScript, cmdArgs...)
		for k, v := range env {
			cmd.Setenv(k, v)
		}
		if board != "" {
			cmd.Setenv("BOARD", board)
		}
		if c.Bool("ccache") {
			cmd.Setenv("COMPILER_WRAPPER_FORCE_CCACHE", "1")
		} else {
			cmd.Setenv("COMPILER_WRAPPER_FORCE_CCACHE", "0")
		}

		if err := cmd.Run(context.Background()); err != nil {
			return fmt.Errorf("build_package.sh failed: %w", err)
		}

		name := strings.TrimSuffix(ebuild.fileName, ebuildExt)
		binaryOutPath := filepath.Join(portagePkgDir, ebuild.category, name+".tbz2")

		if output := c.String("output"); output != "" {
			src, err := os.Open(filepath.Join(rootDir, binaryOutPath))
			if err != nil {
				return fmt.Errorf("%s wasn't produced by build_package: %w", binaryOutPath, err)
			}
			defer src.Close()
			out, err := os.Create(output)
			if err != nil {
				return err
			}
			defer out.Close()
			if _, err := io.Copy(out, src); err != nil {
				return fmt.Errorf("copying %s to %s: %w", binaryOutPath, output, err)
			}
		}

		return nil
	},
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
