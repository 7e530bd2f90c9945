package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurrycache/hurry/internal/cacheengine"
	"github.com/hurrycache/hurry/internal/casclient"
	"github.com/hurrycache/hurry/internal/ci"
	"github.com/hurrycache/hurry/internal/daemon"
	"github.com/hurrycache/hurry/internal/fsutil"
	"github.com/hurrycache/hurry/internal/unitplan"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
	"github.com/hurrycache/hurry/pkg/wire"
)

// runWrapper implements §4.2's restore -> compile -> capture -> upload
// cycle. Every cache-side error here degrades to a logged warning per §7 —
// only the real cargo invocation's own exit status is allowed to fail the
// build.
func runWrapper(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	workspaceRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("hurry: determine workspace root: %w", err)
	}
	ws := path.Workspace{
		TargetDir: filepath.Join(workspaceRoot, "target"),
		CargoHome: cfg.Daemon.CargoHome,
	}
	profile := unitplan.ProfileFromArgv(args).String()
	targetArch := targetTripleFromArgv(args)

	if dir, ok := unitplan.InvocationLogDir(); ok {
		if err := unitplan.LogInvocation(dir, unitplan.RawInvocation{
			Timestamp:  time.Now(),
			Invocation: append([]string{"cargo", "build"}, args...),
			Env:        redactedEnv(),
			Cwd:        workspaceRoot,
		}); err != nil {
			logger.Warnf("log invocation: %v", err)
		}
	}

	backend := casclient.NewHTTPBackend(cfg.Server.URL, cfg.Server.Token)
	engine := &cacheengine.Engine{Workspace: ws, Profile: profile, TargetArch: targetArch, Backend: backend}

	plans, err := planBuild(ctx, workspaceRoot, args)
	if err != nil {
		logger.Warnf("plan build: %v; proceeding without cache", err)
		return realCargo(args)
	}

	var glibcPtr *wire.GlibcVersion
	if hostGlibc, ok, err := unitplan.HostGlibcVersion(); err != nil {
		logger.Warnf("detect host glibc: %v", err)
	} else if ok {
		glibcPtr = &hostGlibc
	}

	restored, err := engine.Restore(ctx, plans, glibcPtr, cacheengine.NoopProgress)
	if err != nil {
		logger.Warnf("cache restore failed: %v", err)
	} else {
		logger.Infof("cache restore: %d hit, %d miss", len(restored.Restored), len(restored.Missing))
	}

	if err := realCargo(args); err != nil {
		return err
	}

	dotd := collectDotdOutputs(ws, profile, targetArch, plans)
	saves, failures := engine.Capture(plans, dotd)
	for _, f := range failures {
		logger.Warnf("capture failed for unit %s: %v", f.UnitHash, f.Err)
	}
	if len(saves) == 0 {
		return nil
	}

	skip := make([]wire.UnitHash, 0, len(restored.Restored))
	for h := range restored.Restored {
		skip = append(skip, h)
	}

	daemonClient, err := daemon.EnsureRunning(ctx, cfg.Daemon.PidFile, cfg.Daemon.SocketFile)
	if err != nil {
		logger.Warnf("start upload daemon: %v", err)
		return nil
	}

	uploadReq := cacheengine.UploadRequest{
		ServerURL: cfg.Server.URL,
		Token:     cfg.Server.Token,
		Workspace: cacheengine.WorkspaceInfo{
			TargetDir:  ws.TargetDir,
			CargoHome:  ws.CargoHome,
			Profile:    profile,
			TargetArch: targetArch,
		},
		Units: saves,
		Skip:  skip,
	}

	requestID, err := engine.Save(ctx, daemonClient, uploadReq)
	if err != nil {
		logger.Warnf("hand off upload: %v", err)
		return nil
	}

	if ci.IsCI() {
		// A CI runner tears the job's process tree down the moment this
		// process exits, so the daemon never gets to finish in the
		// background; block here instead of detaching.
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := cacheengine.WaitForUpload(waitCtx, daemonClient, requestID, nil); err != nil {
			logger.Warnf("wait for upload: %v", err)
		}
	}

	return nil
}

// planBuild asks cargo for its unit graph, fingerprints every unit, and
// converts the result into the UnitPlan records the cache engine operates
// on.
func planBuild(ctx context.Context, workspaceRoot string, args []string) ([]unitplan.UnitPlan, error) {
	cmdArgs := append([]string{"build", "--unit-graph", "-Z", "unstable-options"}, args...)
	cmd := exec.CommandContext(ctx, "cargo", cmdArgs...)
	cmd.Dir = workspaceRoot
	cmd.Env = append(os.Environ(), "RUSTC_BOOTSTRAP=1")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cargo build --unit-graph: %w", err)
	}

	graph, err := unitplan.ParseGraph(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	meta, err := unitplan.RustcMetadata(ctx, workspaceRoot)
	if err != nil {
		return nil, err
	}
	hostGlibc, glibcOK, err := unitplan.HostGlibcVersion()
	if err != nil {
		return nil, err
	}

	platformFor := func(u unitplan.Unit) unitplan.PlatformBucket {
		b := unitplan.PlatformBucket{TargetTriple: meta.LLVMTarget}
		if glibcOK {
			g := hostGlibc
			b.Glibc = &g
		}
		return b
	}
	crateRootHash := func(u unitplan.Unit) (hash.Digest, error) {
		if u.Target.SrcPath == "" {
			return hash.Digest{}, nil
		}
		f, err := os.Open(u.Target.SrcPath)
		if err != nil {
			return hash.Digest{}, fmt.Errorf("open crate root %s: %w", u.Target.SrcPath, err)
		}
		defer f.Close()
		d, _, err := hash.SumReader(f)
		return d, err
	}
	rerunIfHashes := func(u unitplan.Unit) ([]hash.Digest, error) {
		// A build script's rerun-if-changed declarations are only known
		// after a prior execution of that same script; there is no
		// persisted record of a previous run to absorb here yet.
		return nil, nil
	}

	hashes, err := unitplan.FingerprintGraph(graph, platformFor, crateRootHash, rerunIfHashes)
	if err != nil {
		return nil, err
	}
	return unitplan.Plan(graph, hashes), nil
}

// realCargo runs the real `cargo build` with the forwarded args, streaming
// its stdio straight through.
func realCargo(args []string) error {
	cmdArgs := append([]string{"build"}, args...)
	cmd := exec.Command("cargo", cmdArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// targetTripleFromArgv extracts an explicit --target value, if any.
func targetTripleFromArgv(argv []string) string {
	for i, a := range argv {
		if a == "--target" && i+1 < len(argv) {
			return argv[i+1]
		}
		if rest, ok := strings.CutPrefix(a, "--target="); ok {
			return rest
		}
	}
	return ""
}

// collectDotdOutputs best-effort discovers any output a library unit's
// dep-info file names beyond what the plan predicted — generated code in
// particular can add files the plan, computed before compilation, could not
// know about. Each path the dep-info file names is re-expressed relative to
// the profile directory; paths outside it are dropped.
func collectDotdOutputs(ws path.Workspace, profile, targetArch string, plans []unitplan.UnitPlan) map[wire.UnitHash][]string {
	result := make(map[wire.UnitHash][]string, len(plans))
	for _, p := range plans {
		if p.Variant != unitplan.VariantLibraryCrate {
			continue
		}
		for _, out := range p.ExpectedOutputs {
			rel, ok := strings.CutSuffix(out.Target.Rel, ".rmeta")
			if !ok {
				continue
			}
			abs := path.Reconstruct(path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: rel + ".d"}, ws, profile, targetArch)
			f, err := os.Open(abs)
			if err != nil {
				continue
			}
			outputs, err := fsutil.ParseDotd(f)
			f.Close()
			if err != nil {
				continue
			}
			var rels []string
			for _, o := range outputs {
				qp, err := path.Parse(ws, profile, targetArch, o, func(candidate string) bool {
					_, err := os.Stat(candidate)
					return err == nil
				})
				if err == nil && qp.Kind == path.KindRelativeTargetProfile {
					rels = append(rels, qp.Rel)
				}
			}
			result[p.Info.UnitHash] = rels
		}
	}
	return result
}

// redactedEnv snapshots the process environment for invocation logging,
// dropping anything that looks like a credential.
func redactedEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(k)
		if strings.Contains(upper, "TOKEN") || strings.Contains(upper, "SECRET") || strings.Contains(upper, "KEY") || strings.Contains(upper, "PASSWORD") {
			v = "[redacted]"
		}
		out[k] = v
	}
	return out
}
