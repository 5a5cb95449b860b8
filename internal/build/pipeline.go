package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ayush-codes-ar/veloNode/internal/config"
)

// Pipeline turns an uploaded source archive into a named container image.
// Each invocation owns a workspace directory keyed by a fresh build id; it is
// never shared and never survives a failed build. The pipeline holds no
// ledger or registry state, so a long build blocks only its own caller.
type Pipeline struct {
	Workdir   string
	BaseImage string
	Registry  string
	DockerBin string
	Runner    Runner
	Log       zerolog.Logger
}

// New builds a Pipeline from config, defaulting the workspace root to the
// system temp directory.
func New(cfg *config.Config) *Pipeline {
	p := &Pipeline{
		Workdir:   cfg.Build.Workdir,
		BaseImage: cfg.Build.BaseImage,
		Registry:  cfg.Build.Registry,
		DockerBin: cfg.Build.DockerBin,
		Runner:    NewRunner(),
		Log:       zerolog.Nop(),
	}
	if p.Workdir == "" {
		p.Workdir = filepath.Join(os.TempDir(), "velonode-builds")
	}
	return p
}

// Request describes one build. CodeArchive and DataArchive are paths to
// uploaded .tar.gz files owned by this request; the pipeline removes them on
// every exit path.
type Request struct {
	CodeArchive string
	DataArchive string
	BaseImage   string
	EntryFile   string
	Command     []string
}

// Result is the handoff to the job registry.
type Result struct {
	BuildID  string
	ImageRef string
	Output   string
}

// Build runs the full pipeline: extract, generate descriptor, build, and
// optionally push. All failures after workspace allocation remove the
// workspace; the uploaded archives are removed unconditionally.
func (p *Pipeline) Build(ctx context.Context, req Request) (Result, error) {
	defer removeIfSet(req.CodeArchive)
	defer removeIfSet(req.DataArchive)

	if req.CodeArchive == "" {
		return Result{}, ErrMissingCodeArchive
	}
	if _, err := p.Runner.LookPath(p.DockerBin); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrToolUnavailable, p.DockerBin)
	}

	buildID := uuid.New().String()
	ws := filepath.Join(p.Workdir, "build-"+buildID)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return Result{}, fmt.Errorf("allocate workspace: %w", err)
	}
	res, err := p.run(ctx, buildID, ws, req)
	if err != nil {
		os.RemoveAll(ws)
		return Result{}, err
	}
	// the image is built; the context directory is no longer needed
	os.RemoveAll(ws)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, buildID, ws string, req Request) (Result, error) {
	log := p.Log.With().Str("build_id", buildID).Logger()

	if err := extractTarGz(req.CodeArchive, ws); err != nil {
		return Result{}, &Error{Stage: "extract code archive", Err: err}
	}
	if req.DataArchive != "" {
		dataDir := filepath.Join(ws, "data")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create data dir: %w", err)
		}
		if err := extractTarGz(req.DataArchive, dataDir); err != nil {
			return Result{}, &Error{Stage: "extract data archive", Err: err}
		}
	}

	manifest, err := detectManifest(ws)
	if err != nil {
		return Result{}, fmt.Errorf("scan for manifest: %w", err)
	}
	command, err := runCommand(req.Command, req.EntryFile)
	if err != nil {
		return Result{}, &Error{Stage: "derive run command", Err: err}
	}
	baseImage := req.BaseImage
	if baseImage == "" {
		baseImage = p.BaseImage
	}
	descriptor, err := renderDescriptor(descriptorParams{
		BaseImage: baseImage,
		BuildID:   buildID,
		Manifest:  manifest,
		Command:   command,
	})
	if err != nil {
		return Result{}, &Error{Stage: "generate descriptor", Err: err}
	}
	descriptorPath := filepath.Join(ws, "Dockerfile")
	if err := os.WriteFile(descriptorPath, []byte(descriptor), 0o644); err != nil {
		return Result{}, fmt.Errorf("write descriptor: %w", err)
	}

	imageRef := p.imageRef(buildID)
	log.Info().Str("image", imageRef).Str("base", baseImage).Bool("deps", manifest != "").Msg("building image")

	out, err := p.Runner.Run(ctx, p.DockerBin, "build", "-t", imageRef, "-f", descriptorPath, ws)
	if err != nil {
		return Result{}, &Error{Stage: "image build", Output: out, Err: err}
	}
	if p.Registry != "" {
		pushOut, err := p.Runner.Run(ctx, p.DockerBin, "push", imageRef)
		if err != nil {
			return Result{}, &Error{Stage: "image push", Output: pushOut, Err: err}
		}
		out += pushOut
	}
	log.Info().Str("image", imageRef).Msg("image ready")
	return Result{BuildID: buildID, ImageRef: imageRef, Output: out}, nil
}

func (p *Pipeline) imageRef(buildID string) string {
	name := "velonode/jobs"
	if p.Registry != "" {
		name = p.Registry + "/" + name
	}
	return fmt.Sprintf("%s:%s", name, buildID[:8])
}

func removeIfSet(path string) {
	if path != "" {
		os.Remove(path)
	}
}
