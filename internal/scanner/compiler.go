package scanner

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"cupcake/internal/cupcakeerr"
	"cupcake/internal/policy"
)

// EntrypointProject is the single aggregation entrypoint OPA compiles for
// the project realm.
const EntrypointProject = "cupcake/system/evaluate"

// EntrypointGlobal is the aggregation entrypoint for the global realm.
const EntrypointGlobal = "cupcake/global/system/evaluate"

// envCompilerPath names the env var override for the external compiler
// binary.
const envCompilerPath = "CUPCAKE_OPA_PATH"

// Compile copies the admitted policy units into a scratch directory
// (preserving their relative structure so multi-file packages keep
// cohabitation), invokes the external policy compiler at optimization
// level 2 targeting entrypoint, and returns the extracted bytecode module.
// Failure of the compiler is fatal with its stderr propagated
// (*cupcakeerr.CompilerError).
func Compile(ctx context.Context, policiesRoot string, units []*policy.Unit, entrypoint string) ([]byte, error) {
	if len(units) == 0 {
		return nil, &cupcakeerr.NoPoliciesError{Dir: policiesRoot}
	}

	compilerPath, err := locateCompiler()
	if err != nil {
		return nil, err
	}

	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("cupcake-compile-%s", uuid.NewString()))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, u := range units {
		rel, err := filepath.Rel(policiesRoot, u.Path)
		if err != nil {
			rel = filepath.Base(u.Path)
		}
		dest := filepath.Join(scratch, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("create scratch subdir for %q: %w", u.Path, err)
		}
		if err := copyFile(u.Path, dest); err != nil {
			return nil, fmt.Errorf("copy policy %q: %w", u.Path, err)
		}
	}

	bundlePath := filepath.Join(scratch, "bundle.tar.gz")
	cmd := exec.CommandContext(ctx, compilerPath,
		"build",
		"-t", "wasm",
		"-O", "2",
		"-e", entrypoint,
		scratch,
		"-o", bundlePath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &cupcakeerr.CompilerError{Stderr: stderr.String()}
	}

	return extractWasm(bundlePath)
}

func locateCompiler() (string, error) {
	if override := os.Getenv(envCompilerPath); override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, nil
		}
		return "", &cupcakeerr.CompilerMissingError{Searched: override}
	}
	path, err := exec.LookPath("opa")
	if err != nil {
		return "", &cupcakeerr.CompilerMissingError{Searched: "PATH"}
	}
	return path, nil
}

// extractWasm reads the policy.wasm member out of an OPA bundle
// (tar.gz), which is the byte buffer the engine's VM treats as its
// WASM-equivalent compiled module.
func extractWasm(bundlePath string) ([]byte, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open compiled bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open bundle gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle tar entries: %w", err)
		}
		if filepath.Base(hdr.Name) == "policy.wasm" {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("no policy.wasm found in compiled bundle")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
