package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshforge/meshforge/internal/pipeline"
	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/engine"
	"github.com/meshforge/meshforge/pkg/mocks"
	"github.com/meshforge/meshforge/pkg/registry"
	"github.com/meshforge/meshforge/pkg/types"
)

type fixture struct {
	manager  *pipeline.Manager
	runner   *mocks.MockRunner
	notifier *mocks.MockNotifier
	archiver *mocks.MockArchiver
	images   []string
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	imageDir := filepath.Join(root, "input")
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		t.Fatal(err)
	}

	images := make([]string, 3)
	for i, name := range []string{"a.jpg", "b.jpg", "c.png"} {
		path := filepath.Join(imageDir, name)
		if err := os.WriteFile(path, []byte("image"), 0644); err != nil {
			t.Fatal(err)
		}
		images[i] = path
	}

	runner := mocks.NewMockRunner()
	notifier := &mocks.MockNotifier{}
	archiver := &mocks.MockArchiver{}

	mgr, err := pipeline.NewManager(context.Background(), pipeline.Options{
		OutputRoot: filepath.Join(root, "output"),
		Runner:     runner,
		Commands:   engine.NewCommandSet("colmap", engine.Capabilities{}),
		Converter:  &mocks.MockConverter{},
		Archiver:   archiver,
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return &fixture{manager: mgr, runner: runner, notifier: notifier, archiver: archiver, images: images, root: root}
}

// materializeSparse makes the runner create the mapper's model directory
// the way the real engine would, so the conversion step runs.
func (f *fixture) materializeSparse() {
	f.runner.OnRun = func(cmd engine.Command, _ *cancellation.Token) {
		if cmd.Name == "mapper" {
			for i, arg := range cmd.Args {
				if arg == "--output_path" && i+1 < len(cmd.Args) {
					os.MkdirAll(filepath.Join(cmd.Args[i+1], "0"), 0755)
				}
			}
		}
	}
}

func TestSparseOnlyRun(t *testing.T) {
	f := newFixture(t)
	f.materializeSparse()

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "sparse-run",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	if state.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Message)
	}
	if state.ProgressPercent != types.ProgressCompleted {
		t.Errorf("expected progress 100, got %f", state.ProgressPercent)
	}
	if state.EndTime == nil {
		t.Error("expected terminal end time")
	}

	wantCommands := []string{"feature_extractor", "exhaustive_matcher", "mapper", "model_converter"}
	got := f.runner.CommandNames()
	if len(got) != len(wantCommands) {
		t.Fatalf("expected commands %v, got %v", wantCommands, got)
	}
	for i, name := range wantCommands {
		if got[i] != name {
			t.Errorf("command[%d] = %s, want %s", i, got[i], name)
		}
	}

	wantHistory := []types.Stage{
		types.StageInitialization,
		types.StageFeatureExtraction,
		types.StageFeatureMatching,
		types.StageSparseReconstruction,
		types.StageCompleted,
	}
	if len(state.StageHistory) != len(wantHistory) {
		t.Fatalf("unexpected stage history: %v", state.StageHistory)
	}
	for i, stage := range wantHistory {
		if state.StageHistory[i] != stage {
			t.Errorf("history[%d] = %s, want %s", i, state.StageHistory[i], stage)
		}
	}

	if len(f.notifier.Completed) != 1 || f.notifier.Completed[0] != "sparse-run" {
		t.Errorf("expected completion notification, got %+v", f.notifier)
	}

	// Workspace holds copied, renamed images
	imagesDir := filepath.Join(f.root, "output", "session_sparse-run", "images")
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		t.Fatalf("expected images directory: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 copied images, got %d", len(entries))
	}
	if entries[0].Name() != "image_0001.jpg" {
		t.Errorf("expected sequential image names, got %s", entries[0].Name())
	}
}

func TestFullRunWithDenseAndMesh(t *testing.T) {
	f := newFixture(t)
	f.materializeSparse()

	opts := types.DefaultPipelineOptions()
	opts.EnableDense = true
	opts.EnableMeshing = true

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "full-run",
		ImagePaths: f.images,
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if state.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Message)
	}

	want := []string{
		"feature_extractor", "exhaustive_matcher", "mapper", "model_converter",
		"image_undistorter", "patch_match_stereo", "stereo_fusion", "poisson_mesher",
	}
	got := f.runner.CommandNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected command sequence:\n got %v\nwant %v", got, want)
	}

	for _, stage := range []types.Stage{types.StageDenseReconstruction, types.StageMeshGeneration} {
		found := false
		for _, s := range state.StageHistory {
			if s == stage {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s in stage history %v", stage, state.StageHistory)
		}
	}
}

func TestMeshingWithoutDenseIsSkipped(t *testing.T) {
	f := newFixture(t)

	opts := types.DefaultPipelineOptions()
	opts.EnableMeshing = true

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "mesh-no-dense",
		ImagePaths: f.images,
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if state.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}

	for _, name := range f.runner.CommandNames() {
		if name == "poisson_mesher" {
			t.Error("mesher must not run without dense reconstruction")
		}
	}
}

func TestStageFailureStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.runner.Script("exhaustive_matcher", engine.Result{
		Outcome:  engine.OutcomeFailure,
		ExitCode: 1,
		Stderr:   "no matching features found",
	})

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "fail-run",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	if state.Status != types.StatusError || state.Stage != types.StageError {
		t.Fatalf("expected error state, got %s/%s", state.Stage, state.Status)
	}
	if !strings.Contains(state.ErrorMessage, "no matching features found") {
		t.Errorf("expected engine stderr in error message, got %q", state.ErrorMessage)
	}
	if !strings.Contains(state.Message, "Processing failed") {
		t.Errorf("unexpected message: %q", state.Message)
	}

	// No stage after the failure may run
	got := f.runner.CommandNames()
	if len(got) != 2 || got[1] != "exhaustive_matcher" {
		t.Errorf("expected pipeline to stop at matcher, got %v", got)
	}

	if len(f.notifier.Failed) != 1 {
		t.Errorf("expected failure notification, got %+v", f.notifier)
	}
}

func TestCancellationBetweenStages(t *testing.T) {
	f := newFixture(t)

	// Cancel while the matcher runs; the mapper must never start
	f.runner.OnRun = func(cmd engine.Command, token *cancellation.Token) {
		if cmd.Name == "exhaustive_matcher" {
			token.Cancel()
		}
	}

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "cancel-run",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	if state.Status != types.StatusCancelled || state.Stage != types.StageCancelled {
		t.Fatalf("expected cancelled state, got %s/%s", state.Stage, state.Status)
	}
	if state.Message != "Processing cancelled by user" {
		t.Errorf("unexpected message: %q", state.Message)
	}

	for _, name := range f.runner.CommandNames() {
		if name == "mapper" {
			t.Error("no stage may start after cancellation")
		}
	}

	if len(f.notifier.Cancelled) != 1 {
		t.Errorf("expected cancellation notification, got %+v", f.notifier)
	}
}

func TestArchiveFailureDoesNotFailSession(t *testing.T) {
	f := newFixture(t)
	f.materializeSparse()
	f.archiver.BuildErr = errors.New("disk full")

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "archive-fail",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	if state.Status != types.StatusCompleted {
		t.Errorf("archive failure must not downgrade the session, got %s", state.Status)
	}
	if state.ArchivePath != "" {
		t.Errorf("expected empty archive path, got %s", state.ArchivePath)
	}
}

func TestDuplicateSubmitRejected(t *testing.T) {
	f := newFixture(t)

	// Hold the first session inside its matcher until released
	release := make(chan struct{})
	started := make(chan struct{})
	f.runner.OnRun = func(cmd engine.Command, _ *cancellation.Token) {
		if cmd.Name == "exhaustive_matcher" {
			close(started)
			<-release
		}
	}

	id, err := f.manager.Submit(context.Background(), pipeline.Request{
		SessionID:  "dup",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never reached the matcher")
	}

	if _, err := f.manager.Submit(context.Background(), pipeline.Request{
		SessionID:  id,
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	}); !errors.Is(err, registry.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(release)
	if err := f.manager.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Submit(context.Background(), pipeline.Request{
		ImagePaths: f.images[:1],
		Options:    types.DefaultPipelineOptions(),
	}); err == nil {
		t.Error("expected rejection of a single-image set")
	}

	badOpts := types.DefaultPipelineOptions()
	badOpts.MatcherType = "bogus"
	if _, err := f.manager.Submit(context.Background(), pipeline.Request{
		ImagePaths: f.images,
		Options:    badOpts,
	}); err == nil {
		t.Error("expected rejection of invalid options")
	}
}

func TestGeneratedSessionID(t *testing.T) {
	f := newFixture(t)

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if state.SessionID == "" {
		t.Error("expected a generated session id")
	}
}

func TestStatusDocumentPersisted(t *testing.T) {
	f := newFixture(t)

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "persisted",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	doc, err := registry.ReadStatusDocument(state.WorkspaceDir)
	if err != nil {
		t.Fatalf("expected persisted status document: %v", err)
	}
	if doc.Status != types.StatusCompleted {
		t.Errorf("expected completed status on disk, got %s", doc.Status)
	}
	if doc.LastStage.Percent != types.ProgressCompleted {
		t.Errorf("expected final progress on disk, got %f", doc.LastStage.Percent)
	}
}

func TestCancelMarkerFile(t *testing.T) {
	f := newFixture(t)

	matcherStarted := make(chan struct{})
	f.runner.OnRun = func(cmd engine.Command, token *cancellation.Token) {
		if cmd.Name == "exhaustive_matcher" {
			close(matcherStarted)
			// Wait for the marker watcher to signal the token
			select {
			case <-token.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}

	id, err := f.manager.Submit(context.Background(), pipeline.Request{
		SessionID:  "marker",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-matcherStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached the matcher")
	}

	workspace := filepath.Join(f.root, "output", "session_"+id)
	if err := pipeline.RequestCancelMarker(workspace); err != nil {
		t.Fatalf("RequestCancelMarker failed: %v", err)
	}

	if err := f.manager.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	state, err := f.manager.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != types.StatusCancelled {
		t.Errorf("expected marker file to cancel the session, got %s", state.Status)
	}
}

func TestCleanupRemovesWorkspace(t *testing.T) {
	f := newFixture(t)

	state, err := f.manager.SubmitAndWait(context.Background(), pipeline.Request{
		SessionID:  "to-clean",
		ImagePaths: f.images,
		Options:    types.DefaultPipelineOptions(),
	})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}

	if !f.manager.Cleanup("to-clean", false) {
		t.Fatal("expected cleanup of terminal session to succeed")
	}
	if _, err := os.Stat(state.WorkspaceDir); !os.IsNotExist(err) {
		t.Error("expected workspace directory to be removed")
	}
	if _, err := f.manager.Status("to-clean"); err == nil {
		t.Error("expected session to be gone after cleanup")
	}
}
