package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autocron.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerDelayed(t *testing.T, s *Store, uuid string) *Task {
	t.Helper()
	task := &Task{
		UUID:              uuid,
		Schedule:          time.Now(),
		FunctionModule:    "calc",
		FunctionName:      "add",
		FunctionArguments: []byte(`{"args":[30,12],"kwargs":null}`),
	}
	if err := s.RegisterTask(context.Background(), task); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	return task
}

func TestOpenAppliesDefaults(t *testing.T) {
	s := testStore(t)
	settings, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings != DefaultSettings() {
		t.Errorf("settings = %+v, want defaults %+v", settings, DefaultSettings())
	}
	if s.MaxWorkers != 1 || s.MonitorIdleTime != 5 || s.ResultTTL != 1800*time.Second {
		t.Errorf("cached settings wrong: %+v", s)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autocron.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var count int
	err = s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			return c.queryRow(`SELECT COUNT(*) FROM settings`).Scan(&count)
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("settings rows = %d, want exactly 1", count)
	}
}

func TestRegisterDelayedTaskCreatesResultSlot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	registerDelayed(t, s, "uuid-1")

	if n, _ := s.CountTasks(ctx); n != 1 {
		t.Errorf("task count = %d, want 1", n)
	}
	if n, _ := s.CountResults(ctx); n != 1 {
		t.Errorf("result count = %d, want 1", n)
	}
	result, err := s.GetResultByUUID(ctx, "uuid-1")
	if err != nil {
		t.Fatal(err)
	}
	if result == nil {
		t.Fatal("result slot missing")
	}
	if result.Status != StatusWaiting {
		t.Errorf("result status = %d, want waiting", result.Status)
	}
	if result.IsReady() {
		t.Error("fresh result must not be ready")
	}
}

func TestCrontaskRegisteredOnlyOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task := &Task{
			Schedule:       time.Now(),
			Crontab:        "* * * * *",
			FunctionModule: "jobs",
			FunctionName:   "cleanup",
		}
		if err := s.RegisterTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := s.CountTasks(ctx); n != 1 {
		t.Errorf("task count = %d, want 1 after duplicate cron registrations", n)
	}
}

func TestRegistrationRefusedWhenNotAccepting(t *testing.T) {
	s := testStore(t)
	s.AcceptRegistrations = false
	registerDelayed(t, s, "uuid-refused")
	if n, _ := s.CountTasks(context.Background()); n != 0 {
		t.Errorf("task count = %d, want 0", n)
	}
}

func TestClaimMovesTaskToProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	registerDelayed(t, s, "uuid-claim")

	task, err := s.GetNextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatal("task on due was not claimed")
	}
	if task.Status != StatusProcessing {
		t.Errorf("claimed task status = %d, want processing", task.Status)
	}

	// A second claim must come up empty: the task is owned now.
	again, err := s.GetNextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Error("processing task was claimed a second time")
	}
}

func TestFutureTaskIsNotClaimable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	task := &Task{
		UUID:           "uuid-future",
		Schedule:       time.Now().Add(time.Hour),
		FunctionModule: "calc",
		FunctionName:   "add",
	}
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.GetNextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Error("task scheduled in the future was claimed")
	}
}

func TestCrontasksClaimedFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	earlier := time.Now().Add(-time.Hour)
	if err := s.RegisterTask(ctx, &Task{
		UUID:           "uuid-delayed",
		Schedule:       earlier,
		FunctionModule: "calc",
		FunctionName:   "add",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterTask(ctx, &Task{
		Schedule:       time.Now(),
		Crontab:        "* * * * *",
		FunctionModule: "jobs",
		FunctionName:   "cleanup",
	}); err != nil {
		t.Fatal(err)
	}

	task, err := s.GetNextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || !task.IsCron() {
		t.Fatalf("got %+v, want the crontask despite the older delayed task", task)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	registerDelayed(t, s, "uuid-rt")

	task, err := s.GetNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
	if err := s.UpdateResult(ctx, task.UUID, []byte(`42`), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountTasks(ctx); n != 0 {
		t.Errorf("task count = %d, want 0 after completion", n)
	}
	result, err := s.GetResultByUUID(ctx, "uuid-rt")
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Status != StatusReady {
		t.Fatalf("result = %+v, want ready", result)
	}
	if string(result.FunctionResult) != "42" {
		t.Errorf("function result = %q, want 42", result.FunctionResult)
	}
	if result.HasError() {
		t.Error("successful result reports an error")
	}
}

func TestErrorResult(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	registerDelayed(t, s, "uuid-err")
	task, _ := s.GetNextTask(ctx)
	if err := s.UpdateResult(ctx, task.UUID, nil, "division by zero"); err != nil {
		t.Fatal(err)
	}
	result, err := s.GetResultByUUID(ctx, "uuid-err")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusError || !result.HasError() {
		t.Fatalf("result = %+v, want error state", result)
	}
	if result.ErrorMessage != "division by zero" {
		t.Errorf("error message = %q", result.ErrorMessage)
	}
}

func TestDeleteOutdatedResults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	registerDelayed(t, s, "uuid-old")
	registerDelayed(t, s, "uuid-waiting")

	// Age the completed result by completing it with an expired ttl.
	s.ResultTTL = -time.Hour
	task, _ := s.GetNextTask(ctx)
	if err := s.UpdateResult(ctx, task.UUID, []byte(`1`), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOutdatedResults(ctx); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountResults(ctx); n != 1 {
		t.Errorf("result count = %d, want 1: expired completed row gone, waiting row kept", n)
	}
	waiting, err := s.GetResultByUUID(ctx, "uuid-waiting")
	if err != nil || waiting == nil {
		t.Fatalf("waiting result vanished: %v %v", waiting, err)
	}
}

func TestProcessingRecoveredOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autocron.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	registerDelayed(t, s, "uuid-crash")
	if task, _ := s.GetNextTask(ctx); task == nil {
		t.Fatal("claim failed")
	}
	// Simulate a worker crash: the processing row stays behind.
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	tasks, err := s.GetTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusWaiting {
		t.Fatalf("tasks = %+v, want one recovered waiting task", tasks)
	}
}

func TestMonitorLockElection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autocron.db")
	first, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := OpenExisting(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, s := range []*Store{first, second} {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			acquired, err := s.AcquireMonitorLock(context.Background())
			if err != nil {
				t.Errorf("AcquireMonitorLock: %v", err)
			}
			results[i] = acquired
		}(i, s)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("election results = %v, want exactly one winner", results)
	}
}

func TestWorkerPidBookkeeping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, pid := range []int{101, 202} {
		if err := s.IncrementRunningWorkers(ctx, pid); err != nil {
			t.Fatal(err)
		}
	}
	settings, _ := s.GetSettings(ctx)
	if settings.RunningWorkers != 2 || settings.WorkerPids != "101,202" {
		t.Fatalf("settings = %+v", settings)
	}
	if ok, _ := s.IsWorkerPID(ctx, 101); !ok {
		t.Error("pid 101 not recognized as worker")
	}
	if ok, _ := s.IsWorkerPID(ctx, 999); ok {
		t.Error("pid 999 wrongly recognized as worker")
	}

	if err := s.DecrementRunningWorkers(ctx, 101); err != nil {
		t.Fatal(err)
	}
	// Removing an unknown pid is ignored.
	if err := s.DecrementRunningWorkers(ctx, 999); err != nil {
		t.Fatal(err)
	}
	settings, _ = s.GetSettings(ctx)
	if settings.RunningWorkers != 1 || settings.WorkerPids != "202" {
		t.Fatalf("settings after decrement = %+v", settings)
	}
}

func TestTearDownDatabase(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.AcquireMonitorLock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementRunningWorkers(ctx, 101); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterTask(ctx, &Task{
		Schedule:       time.Now(),
		Crontab:        "* * * * *",
		FunctionModule: "jobs",
		FunctionName:   "cleanup",
	}); err != nil {
		t.Fatal(err)
	}
	registerDelayed(t, s, "uuid-td")
	if task, _ := s.GetNextTask(ctx); task == nil {
		t.Fatal("claim failed")
	}

	if err := s.TearDownDatabase(ctx); err != nil {
		t.Fatal(err)
	}

	settings, _ := s.GetSettings(ctx)
	if settings.MonitorLock || settings.RunningWorkers != 0 || settings.WorkerPids != "" {
		t.Fatalf("settings after tear down = %+v", settings)
	}
	cron, _ := s.GetCronTasks(ctx)
	if len(cron) != 0 {
		t.Errorf("crontasks after tear down = %d, want 0", len(cron))
	}
	tasks, _ := s.GetTasks(ctx)
	for _, task := range tasks {
		if task.Status != StatusWaiting {
			t.Errorf("task %d status = %d, want waiting", task.RowID, task.Status)
		}
	}
}

func TestPreRegistrationMigration(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewIn(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsTemporary() {
		t.Fatal("fresh store is not temporary")
	}
	tempPath := s.Path()
	registerDelayed(t, s, "uuid-pre")
	if err := s.RegisterTask(ctx, &Task{
		Schedule:       time.Now(),
		Crontab:        "* * * * *",
		FunctionModule: "jobs",
		FunctionName:   "cleanup",
	}); err != nil {
		t.Fatal(err)
	}

	realPath := filepath.Join(dir, "autocron.db")
	if err := s.Init(ctx, realPath); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.IsTemporary() {
		t.Error("store still temporary after Init")
	}
	if n, _ := s.CountTasks(ctx); n != 2 {
		t.Errorf("migrated task count = %d, want 2", n)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Errorf("temporary database %s still exists", tempPath)
	}

	// A second Init is a no-op.
	if err := s.Init(ctx, filepath.Join(dir, "other.db")); err != nil {
		t.Fatal(err)
	}
	if s.Path() != realPath {
		t.Errorf("path changed on second Init: %s", s.Path())
	}
}

func TestScheduleExactlyNowIsClaimable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	if err := s.RegisterTask(ctx, &Task{
		UUID:           "uuid-now",
		Schedule:       now,
		FunctionModule: "calc",
		FunctionName:   "add",
	}); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetNextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatal("task scheduled exactly at now was not claimable")
	}
}

func TestTimeEncodingOrdersLexicographically(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Minute),
	}
	for i := 1; i < len(times); i++ {
		a, b := encodeTime(times[i-1]), encodeTime(times[i])
		if !(a < b) {
			t.Errorf("encoding breaks ordering: %q !< %q", a, b)
		}
	}
	for _, ts := range times {
		decoded, err := decodeTime(encodeTime(ts))
		if err != nil {
			t.Fatal(err)
		}
		if !decoded.Equal(ts) {
			t.Errorf("round trip %v != %v", decoded, ts)
		}
	}
}
