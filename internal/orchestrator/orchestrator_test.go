package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
	"github.com/ternarybob/integrator/internal/services/events"
	badgerstore "github.com/ternarybob/integrator/internal/storage/badger"
)

type mockStageClient struct {
	mock.Mock
}

func (m *mockStageClient) Call(ctx context.Context, endpoint models.StageEndpoint, payload *models.StagePayload, maxRetries int) (*models.StageResponse, error) {
	args := m.Called(ctx, endpoint, payload, maxRetries)
	response, _ := args.Get(0).(*models.StageResponse)
	return response, args.Error(1)
}

func stage(name string) interface{} {
	return mock.MatchedBy(func(endpoint models.StageEndpoint) bool { return endpoint.Name == name })
}

func okResponse(stageName, jobID string, fields map[string]interface{}) *models.StageResponse {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["job_id"] = jobID
	return &models.StageResponse{Stage: stageName, JobID: jobID, Success: true, Fields: fields, Body: []byte(`{}`)}
}

type testEnv struct {
	orch   *Orchestrator
	jobs   interfaces.JobStorage
	events interfaces.EventService
	shared string
	local  string
}

func newTestEnv(t *testing.T, client interfaces.StageClient) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.NewBadgerDB(logger)
	require.NoError(t, err)
	jobs := badgerstore.NewJobStorage(db, logger)
	eventService := events.NewService(logger)

	root := t.TempDir()
	env := &testEnv{
		jobs:   jobs,
		events: eventService,
		shared: filepath.Join(root, "shared"),
		local:  filepath.Join(root, "local"),
	}
	require.NoError(t, os.MkdirAll(env.shared, 0755))

	cfg := NewConfig(common.NewDefaultConfig())
	cfg.SharedOutputDir = env.shared
	cfg.LocalOutputDir = env.local
	env.orch = New(cfg, client, jobs, eventService, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.orch.Shutdown(ctx)
		jobs.Close()
	})
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// putFile is writeFile for background goroutines, where require must not be used
func putFile(t *testing.T, path, content string) {
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func uploadRequest(t *testing.T) PipelineRequest {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), common.NewScratchID())
	people := filepath.Join(scratch, "people.csv")
	orgs := filepath.Join(scratch, "orgs.csv")
	writeFile(t, people, "id,name\n1,Ada\n")
	writeFile(t, orgs, "id,name\n1,ACME\n")

	return PipelineRequest{
		Files:      []string{people, orgs},
		Config:     `{"nodes":[]}`,
		SchemaJSON: `{}`,
		ScratchDir: scratch,
	}
}

func (e *testEnv) waitForStage(t *testing.T, jobID string, name models.StageName) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		current, err := e.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = current
		return current.Stage(name).IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestStartPipeline_AuxiliaryFailureKeepsPrimary(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	client.On("Call", mock.Anything, stage("builder"), mock.Anything, 3).
		Run(func(args mock.Arguments) {
			writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")
		}).
		Return(okResponse("builder", "J1", nil), nil).Once()
	client.On("Call", mock.Anything, stage("auxiliary"), mock.Anything, 3).
		Return(nil, &common.RetryExhaustedError{Stage: "auxiliary", Attempts: 3, Err: errors.New("connection refused")}).Once()

	req := uploadRequest(t)
	result, err := env.orch.StartPipeline(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, &PipelineResult{Status: "success", JobID: "J1"}, result)

	job := env.waitForStage(t, "J1", models.StageMerge)
	assert.Equal(t, models.StageSucceeded, job.Stage(models.StagePrimary))
	assert.Equal(t, models.StageFailed, job.Stage(models.StageAuxiliary))
	assert.Equal(t, models.StageFailed, job.Stage(models.StageMerge))
	require.NotNil(t, job.Merge)
	assert.Equal(t, models.MergeFailed, job.Merge.Outcome)
	assert.Empty(t, job.Merge.AuxiliaryJobID)

	assert.FileExists(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"))
	assert.Eventually(t, func() bool { return !isDir(req.ScratchDir) }, time.Second, 5*time.Millisecond)
	client.AssertExpectations(t)
}

func TestStartPipeline_MergesAuxiliaryOutput(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	client.On("Call", mock.Anything, stage("builder"), mock.MatchedBy(func(p *models.StagePayload) bool {
		return p.Fields["writer_type"] == "networkx" && len(p.Files) == 2
	}), 3).Return(okResponse("builder", "J1", nil), nil).Once()

	client.On("Call", mock.Anything, stage("auxiliary"), mock.MatchedBy(func(p *models.StagePayload) bool {
		return p.Fields["writer_type"] == "neo4j" && p.Fields["tenant_id"] == "default"
	}), 3).
		Run(func(args mock.Arguments) {
			putFile(t, filepath.Join(env.shared, "A1", "nodes.csv"), "id\n1\n")
			putFile(t, filepath.Join(env.shared, "A1", "rels", "edges.csv"), "src,dst\n")
			putFile(t, filepath.Join(env.shared, "A1", "progress.json"), `{"progress":100}`)
		}).
		Return(okResponse("auxiliary", "A1", nil), nil).Once()

	writeFile(t, filepath.Join(env.shared, "J1", "progress.json"), `{"progress":100,"status":"completed"}`)

	req := uploadRequest(t)
	_, err := env.orch.StartPipeline(context.Background(), req)
	require.NoError(t, err)

	job := env.waitForStage(t, "J1", models.StageMerge)
	assert.Equal(t, models.StageSucceeded, job.Stage(models.StageMerge))
	assert.Equal(t, "A1", job.AuxiliaryJobID)
	require.NotNil(t, job.Merge)
	assert.Equal(t, models.MergeCopied, job.Merge.Outcome)
	assert.Equal(t, 2, job.Merge.CopiedFiles)
	assert.Equal(t, []string{"progress.json"}, job.Merge.SkippedFiles)

	assert.FileExists(t, filepath.Join(env.shared, "J1", "neo4j", "nodes.csv"))
	assert.FileExists(t, filepath.Join(env.shared, "J1", "neo4j", "rels", "edges.csv"))
	assert.NoFileExists(t, filepath.Join(env.shared, "J1", "neo4j", "progress.json"))

	data, err := os.ReadFile(filepath.Join(env.shared, "J1", "progress.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "completed", "primary metadata untouched")

	assert.Eventually(t, func() bool { return !isDir(req.ScratchDir) }, time.Second, 5*time.Millisecond)
}

func TestStartPipeline_PrimaryFailure(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	client.On("Call", mock.Anything, stage("builder"), mock.Anything, 3).
		Return(nil, &common.RemoteStageError{Stage: "builder", StatusCode: 500, Body: "boom"}).Once()

	req := uploadRequest(t)
	_, err := env.orch.StartPipeline(context.Background(), req)
	require.Error(t, err)

	var remote *common.RemoteStageError
	assert.True(t, errors.As(err, &remote))
	assert.False(t, isDir(req.ScratchDir))

	jobs, err := env.jobs.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	client.AssertNotCalled(t, "Call", mock.Anything, stage("auxiliary"), mock.Anything, mock.Anything)
}

func TestStartPipeline_BuilderReportsFailure(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	response := okResponse("builder", "J7", nil)
	response.Success = false
	client.On("Call", mock.Anything, stage("builder"), mock.Anything, 3).Return(response, nil).Once()

	_, err := env.orch.StartPipeline(context.Background(), uploadRequest(t))
	require.Error(t, err)

	job, err := env.jobs.GetJob(context.Background(), "J7")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, job.Stage(models.StagePrimary))
	assert.Equal(t, models.StageNotStarted, job.Stage(models.StageAuxiliary))
}

func TestStartPipeline_Validation(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	req := uploadRequest(t)
	req.Files = nil

	_, err := env.orch.StartPipeline(context.Background(), req)
	assert.True(t, errors.Is(err, common.ErrValidation))
	assert.False(t, isDir(req.ScratchDir))

	req = uploadRequest(t)
	req.SchemaJSON = ""
	_, err = env.orch.StartPipeline(context.Background(), req)
	assert.True(t, errors.Is(err, common.ErrValidation))

	client.AssertNotCalled(t, "Call", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunMining_MissingArtifact(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	_, err := env.orch.RunMining(context.Background(), "J1", models.MiningConfig{})
	assert.True(t, errors.Is(err, common.ErrNotFound))
	client.AssertNotCalled(t, "Call", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunMining_CopiesOutputForUntrackedJob(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")
	writeFile(t, filepath.Join(env.shared, "J1", "results", "motifs.json"), `[]`)
	writeFile(t, filepath.Join(env.shared, "J1", "plots", "motif_0.png"), "png")

	var mu sync.Mutex
	var changes []events.StageChange
	require.NoError(t, env.events.Subscribe(interfaces.EventStageChanged, func(ctx context.Context, event interfaces.Event) error {
		if change, ok := events.ParseStageChanged(event); ok {
			mu.Lock()
			changes = append(changes, change)
			mu.Unlock()
		}
		return nil
	}))

	client.On("Call", mock.Anything, stage("miner"), mock.MatchedBy(func(p *models.StagePayload) bool {
		return p.Fields["job_id"] == "J1" &&
			p.Fields["n_neighborhoods"] == "2000" &&
			len(p.Files) == 1 && p.Files[0].Field == "graph_file"
	}), 3).Return(okResponse("miner", "J1", map[string]interface{}{
		"results_path": "/miner-volume/output/J1/results",
		"plots_path":   "plots",
		"status":       "completed",
	}), nil).Once()

	result, err := env.orch.RunMining(context.Background(), "J1", models.MiningConfig{})
	require.NoError(t, err)

	assert.Equal(t, "/api/pipeline/download/J1", result.DownloadURL)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, filepath.Join(env.local, "J1"), result.LocalDir)
	assert.FileExists(t, filepath.Join(env.local, "J1", "results", "motifs.json"))
	assert.FileExists(t, filepath.Join(env.local, "J1", "plots", "motif_0.png"))

	job, err := env.jobs.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StageSucceeded, job.Stage(models.StageMining))
	require.NotNil(t, job.Mining)
	assert.Equal(t, result.DownloadURL, job.Mining.DownloadURL)

	// Delivery is asynchronous and unordered
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		seen := map[models.StageState]bool{}
		for _, change := range changes {
			if change.JobID == "J1" && change.Stage == models.StageMining {
				seen[change.State] = true
			}
		}
		return seen[models.StageRunning] && seen[models.StageSucceeded]
	}, time.Second, 5*time.Millisecond)
}

func TestRunMining_InvalidConfig(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)
	writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")

	minSize, maxSize := 8, 4
	_, err := env.orch.RunMining(context.Background(), "J1", models.MiningConfig{MinPatternSize: &minSize, MaxPatternSize: &maxSize})
	require.True(t, errors.Is(err, common.ErrValidation))

	var validationErr *common.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "min_pattern_size", validationErr.Field)

	strategy := "random"
	_, err = env.orch.RunMining(context.Background(), "J1", models.MiningConfig{SearchStrategy: &strategy})
	assert.True(t, errors.Is(err, common.ErrValidation))

	client.AssertNotCalled(t, "Call", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunMining_MinerFailure(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)
	writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")

	client.On("Call", mock.Anything, stage("miner"), mock.Anything, 3).
		Return(nil, &common.InvalidResponseError{Stage: "miner", Missing: []string{"plots_path"}}).Once()

	_, err := env.orch.RunMining(context.Background(), "J1", models.MiningConfig{})
	var invalid *common.InvalidResponseError
	require.True(t, errors.As(err, &invalid))

	job, err := env.jobs.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, job.Stage(models.StageMining))
	assert.Contains(t, job.StageErrors[models.StageMining], "plots_path")
}

func TestResolveArtifactPath(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})

	writeFile(t, filepath.Join(env.shared, "J1", "results", "motifs.json"), "shared")
	writeFile(t, filepath.Join(env.shared, "J1", "summary.txt"), "shared")
	writeFile(t, filepath.Join(env.local, "J1", "results", "motifs.json"), "local")

	path, err := env.orch.ResolveArtifactPath("J1", "results/motifs.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.local, "J1", "results", "motifs.json"), path)

	path, err = env.orch.ResolveArtifactPath("J1", "summary.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.shared, "J1", "summary.txt"), path)

	_, err = env.orch.ResolveArtifactPath("J1", "absent.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	for _, name := range []string{"../J2/secret.txt", "results/../../J2/x", "/etc/passwd", `..\J2\x`, ""} {
		_, err := env.orch.ResolveArtifactPath("J1", name)
		assert.True(t, errors.Is(err, common.ErrValidation), name)
	}

	_, err = env.orch.ResolveArtifactPath("..", "summary.txt")
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestResolveArtifactPath_SymlinkEscape(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})

	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeFile(t, outside, "secret")
	require.NoError(t, os.MkdirAll(filepath.Join(env.shared, "J1"), 0755))
	if err := os.Symlink(outside, filepath.Join(env.shared, "J1", "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := env.orch.ResolveArtifactPath("J1", "link.txt")
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string]string)
	for _, f := range reader.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = buf.String()
	}
	return entries
}

func TestArchiveJob_PrefersLocalResults(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})

	writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")
	writeFile(t, filepath.Join(env.shared, "J1", "neo4j", "nodes.csv"), "id\n")

	var buf bytes.Buffer
	info, err := env.orch.ArchiveJob(context.Background(), "J1", &buf)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.shared, "J1"), info.SourceDir)
	assert.Equal(t, 2, info.Files)
	assert.Equal(t, "J1_results.zip", info.Filename)

	entries := zipEntries(t, buf.Bytes())
	assert.Equal(t, "id\n", entries["J1/neo4j/nodes.csv"])

	writeFile(t, filepath.Join(env.local, "J1", "results", "motifs.json"), "[]")
	buf.Reset()
	info, err = env.orch.ArchiveJob(context.Background(), "J1", &buf)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.local, "J1"), info.SourceDir)
	assert.Contains(t, zipEntries(t, buf.Bytes()), "J1/results/motifs.json")
}

func TestArchiveJob_NotFound(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})

	var buf bytes.Buffer
	_, err := env.orch.ArchiveJob(context.Background(), "J404", &buf)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Zero(t, buf.Len())
}

func TestDeleteJob_KeepsSharedTree(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})

	require.NoError(t, env.jobs.SaveJob(context.Background(), models.NewJob("J1", time.Now())))
	writeFile(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"), "graph")
	writeFile(t, filepath.Join(env.local, "J1", "results", "motifs.json"), "[]")

	require.NoError(t, env.orch.DeleteJob(context.Background(), "J1"))

	_, err := env.orch.GetJob(context.Background(), "J1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.False(t, isDir(filepath.Join(env.local, "J1")))
	assert.FileExists(t, filepath.Join(env.shared, "J1", "networkx_graph.pkl"))

	assert.True(t, errors.Is(env.orch.DeleteJob(context.Background(), "J1"), common.ErrNotFound))
}

func TestDeleteJob_WaitsForSubscribers(t *testing.T) {
	env := newTestEnv(t, &mockStageClient{})
	require.NoError(t, env.jobs.SaveJob(context.Background(), models.NewJob("J1", time.Now())))

	var stopped []string
	require.NoError(t, env.events.Subscribe(interfaces.EventJobDeleted, func(ctx context.Context, event interfaces.Event) error {
		time.Sleep(20 * time.Millisecond)
		stopped = append(stopped, events.JobIDOf(event))
		return nil
	}))

	require.NoError(t, env.orch.DeleteJob(context.Background(), "J1"))
	assert.Equal(t, []string{"J1"}, stopped)
}

func TestStartPipeline_DuringShutdownSkipsBackgroundStages(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	client.On("Call", mock.Anything, stage("builder"), mock.Anything, 3).
		Run(func(args mock.Arguments) {
			// Shutdown lands while the builder call is in flight
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, env.orch.Shutdown(ctx))
		}).
		Return(okResponse("builder", "J1", nil), nil).Once()

	req := uploadRequest(t)
	result, err := env.orch.StartPipeline(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "J1", result.JobID)

	assert.NoDirExists(t, req.ScratchDir)
	client.AssertNotCalled(t, "Call", mock.Anything, stage("auxiliary"), mock.Anything, mock.Anything)

	job, err := env.jobs.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StageSucceeded, job.Stage(models.StagePrimary))
	assert.Equal(t, models.StageFailed, job.Stage(models.StageAuxiliary))
	assert.Equal(t, models.StageFailed, job.Stage(models.StageMerge))
	require.NotNil(t, job.Merge)
	assert.Equal(t, models.MergeFailed, job.Merge.Outcome)
}

func TestShutdown_CancelsWaitingMerge(t *testing.T) {
	client := &mockStageClient{}
	env := newTestEnv(t, client)

	release := make(chan struct{})
	client.On("Call", mock.Anything, stage("builder"), mock.Anything, 3).Return(okResponse("builder", "J1", nil), nil).Once()
	client.On("Call", mock.Anything, stage("auxiliary"), mock.Anything, 3).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			select {
			case <-ctx.Done():
			case <-release:
			}
		}).
		Return(nil, context.Canceled).Once()
	defer close(release)

	_, err := env.orch.StartPipeline(context.Background(), uploadRequest(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.orch.Shutdown(ctx))
}
