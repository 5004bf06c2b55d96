package discovery

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestInstanceInitialize(t *testing.T) {
	t.Parallel()

	t.Run("ready", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
		i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
		defer i.Close()

		if err := i.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}

		if i.Status() != StatusReady {
			t.Errorf("expected READY, got %v", i.Status())
		}
		if i.Definition().Version != "1" {
			t.Errorf("unexpected definition %+v", i.Definition())
		}
		if i.LastError() != nil {
			t.Errorf("unexpected error %v", i.LastError())
		}
		if i.RetryScheduled() {
			t.Error("no retry should be scheduled")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient()
		client.Fail("AssetDiscovery", unreachable("AssetDiscovery"))

		i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
		defer i.Close()

		err := i.Initialize(context.Background())
		if KindOf(err) != KindUnknownEngineConfigAtStartup {
			t.Fatalf("expected %v, got %v", KindUnknownEngineConfigAtStartup, err)
		}

		if i.Status() != StatusConfigUnavailable {
			t.Errorf("expected CONFIG_UNAVAILABLE, got %v", i.Status())
		}
		if !i.RetryScheduled() {
			t.Error("expected a retry to be scheduled")
		}
		if KindOf(i.LastError()) != KindUnknownEngineConfigAtStartup {
			t.Errorf("unexpected last error %v", i.LastError())
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		i := newTestInstance("GhostEngine", newFakeConfigClient(), newTestLoader(t))
		defer i.Close()

		_ = i.Initialize(context.Background())

		var fe *FetchError
		if !errors.As(i.LastError(), &fe) || fe.Failure != FetchNotFound {
			t.Errorf("expected NOT_FOUND, got %v", i.LastError())
		}
		if i.Status() != StatusConfigUnavailable {
			t.Errorf("expected CONFIG_UNAVAILABLE, got %v", i.Status())
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient()
		client.Fail("AssetDiscovery", malformed("AssetDiscovery"))

		i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
		defer i.Close()

		_ = i.Initialize(context.Background())

		if i.Status() != StatusUninitialized {
			t.Errorf("expected UNINITIALIZED, got %v", i.Status())
		}
		if !i.RetryScheduled() {
			t.Error("malformed definitions are retried too")
		}
	})

	t.Run("invalid definition", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "", nil)))
		i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
		defer i.Close()

		_ = i.Initialize(context.Background())

		var fe *FetchError
		if !errors.As(i.LastError(), &fe) || fe.Failure != FetchMalformed {
			t.Errorf("expected MALFORMED, got %v", i.LastError())
		}
		if !errors.Is(i.LastError(), ErrEmptyImplementation) {
			t.Errorf("expected the validation error to be kept, got %v", i.LastError())
		}
	})

	t.Run("fetch timeout", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
		client.Hang("AssetDiscovery")

		i := NewEngineInstance("AssetDiscovery", InstanceOptions{
			Server:         "test-server",
			MetadataServer: "test-metadata",
			Client:         client,
			Loader:         newTestLoader(t),
			Retry:          testRetry,
			FetchTimeout:   50 * time.Millisecond,
		})
		defer i.Close()

		start := time.Now()
		err := i.Initialize(context.Background())
		if KindOf(err) != KindUnknownEngineConfigAtStartup {
			t.Fatalf("expected %v, got %v", KindUnknownEngineConfigAtStartup, err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("the fetch should have been cut off by the fetch timeout, took %v", elapsed)
		}

		if i.Status() != StatusConfigUnavailable {
			t.Errorf("a timeout is transient, expected CONFIG_UNAVAILABLE, got %v", i.Status())
		}
		if !i.RetryScheduled() {
			t.Error("expected a retry to be scheduled")
		}

		var fe *FetchError
		if !errors.As(i.LastError(), &fe) || fe.Failure != FetchUnreachable {
			t.Errorf("expected UNREACHABLE, got %v", i.LastError())
		}
		if !errors.Is(i.LastError(), context.DeadlineExceeded) {
			t.Errorf("expected the deadline to be kept as the cause, got %v", i.LastError())
		}
	})

	t.Run("unclassified client error", func(t *testing.T) {
		t.Parallel()

		client := newFakeConfigClient()
		client.Fail("AssetDiscovery", errors.New("tls: handshake failure"))

		i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
		defer i.Close()

		_ = i.Initialize(context.Background())

		var fe *FetchError
		if !errors.As(i.LastError(), &fe) || fe.Failure != FetchUnreachable {
			t.Errorf("expected UNREACHABLE, got %v", i.LastError())
		}
	})
}

func TestInstanceRetryRecovers(t *testing.T) {
	t.Parallel()

	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
	client.Fail("AssetDiscovery", unreachable("AssetDiscovery"))

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	_ = i.Initialize(context.Background())

	if i.Status() != StatusConfigUnavailable {
		t.Fatalf("expected CONFIG_UNAVAILABLE, got %v", i.Status())
	}

	eventually(t, time.Second, func() bool { return client.FetchCount("AssetDiscovery") >= 3 }, "expected retries, got %d fetches", client.FetchCount("AssetDiscovery"))

	client.Recover("AssetDiscovery")

	eventually(t, time.Second, func() bool { return i.Status() == StatusReady }, "expected READY after recovery, got %v", i.Status())
	eventually(t, time.Second, func() bool { return !i.RetryScheduled() }, "expected the retry to stop")

	if i.LastError() != nil {
		t.Errorf("expected last error to be cleared, got %v", i.LastError())
	}

	fetches := client.FetchCount("AssetDiscovery")
	time.Sleep(100 * time.Millisecond)
	if client.FetchCount("AssetDiscovery") != fetches {
		t.Error("fetches continued after the engine became ready")
	}
}

func TestInstanceReadyKeepsServingWhenRefreshFails(t *testing.T) {
	t.Parallel()

	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	if err := i.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	client.Fail("AssetDiscovery", unreachable("AssetDiscovery"))

	err := i.Refresh(context.Background())
	if KindOf(err) != KindUnknownEngineConfig {
		t.Errorf("expected %v, got %v", KindUnknownEngineConfig, err)
	}

	if i.Status() != StatusReady {
		t.Errorf("a ready engine must stay READY, got %v", i.Status())
	}
	if i.Definition().Version != "1" {
		t.Error("the last good definition should be kept")
	}

	if _, err := i.ResolveRequestType("small-files"); err != nil {
		t.Errorf("expected small-files to resolve, got %v", err)
	}
}

func TestInstanceRefreshKeepsUnchangedServices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	loader := newTestLoader(t)
	client := newFakeConfigClient(definition("AssetDiscovery", "1",
		binding("small-files", "echo", map[string]string{"mode": "small"}),
		binding("big-files", "echo", map[string]string{"mode": "big"}),
	))

	i := newTestInstance("AssetDiscovery", client, loader)
	defer i.Close()

	if err := i.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	load := func(rt string) DiscoveryService {
		t.Helper()
		_, slot, err := i.acquireSlot(rt)
		if err != nil {
			t.Fatal(err)
		}
		defer slot.release()

		svc, err := slot.load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return svc
	}

	small := load("small-files")
	big := load("big-files")

	// An identical definition changes nothing
	if err := i.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if load("small-files") != small || load("big-files") != big {
		t.Error("services for unchanged bindings should be kept")
	}

	// Changing one binding only replaces that service
	client.Set(definition("AssetDiscovery", "2",
		binding("small-files", "echo", map[string]string{"mode": "small"}),
		binding("big-files", "echo", map[string]string{"mode": "huge"}),
	))
	if err := i.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	if load("small-files") != small {
		t.Error("small-files service should be kept")
	}
	if load("big-files") == big {
		t.Error("big-files service should be replaced")
	}
	if !big.(*closingService).closed.Load() {
		t.Error("the replaced service should be closed")
	}
	if small.(*closingService).closed.Load() {
		t.Error("the kept service must not be closed")
	}

	if loader.Loads("AssetDiscovery", "small-files") != 1 {
		t.Errorf("small-files loaded %d times", loader.Loads("AssetDiscovery", "small-files"))
	}
	if loader.Loads("AssetDiscovery", "big-files") != 2 {
		t.Errorf("big-files loaded %d times", loader.Loads("AssetDiscovery", "big-files"))
	}

	// Removing a binding makes the request type unknown
	client.Set(definition("AssetDiscovery", "3",
		binding("small-files", "echo", map[string]string{"mode": "small"}),
	))
	if err := i.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := i.ResolveRequestType("big-files"); KindOf(err) != KindUnknownRequestType {
		t.Errorf("expected UNKNOWN_REQUEST_TYPE, got %v", err)
	}
}

func TestInstanceRetiredServiceClosedAfterLastRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	if err := i.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	_, slot, err := i.acquireSlot("small-files")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := slot.load(ctx)
	if err != nil {
		t.Fatal(err)
	}

	client.Set(definition("AssetDiscovery", "2", binding("small-files", "echo", map[string]string{"changed": "yes"})))
	if err := i.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	if svc.(*closingService).closed.Load() {
		t.Fatal("a service must not be closed while a request is using it")
	}

	slot.release()

	if !svc.(*closingService).closed.Load() {
		t.Error("expected the service to be closed once released")
	}
}

func TestInstanceConcurrentRefreshesShareOneFetch(t *testing.T) {
	t.Parallel()

	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
	client.SetDelay(50 * time.Millisecond)

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := i.Refresh(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := client.FetchCount("AssetDiscovery"); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
}

func TestInstanceRefreshCallerCancellation(t *testing.T) {
	t.Parallel()

	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
	client.SetDelay(100 * time.Millisecond)

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := i.Refresh(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// The fetch carries on for other callers
	eventually(t, time.Second, func() bool { return i.Status() == StatusReady }, "expected the fetch to complete")
}

func TestInstanceAcquireSlot(t *testing.T) {
	t.Parallel()

	client := newFakeConfigClient()
	client.Fail("AssetDiscovery", unreachable("AssetDiscovery"))

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	_, _, err := i.acquireSlot("small-files")
	if KindOf(err) != KindEngineNotInitialized {
		t.Errorf("expected ENGINE_NOT_INITIALIZED before the first fetch, got %v", err)
	}

	_ = i.Initialize(context.Background())

	_, _, err = i.acquireSlot("small-files")
	if KindOf(err) != KindEngineNotInitialized {
		t.Fatalf("expected ENGINE_NOT_INITIALIZED, got %v", err)
	}
	if !errors.Is(err, &Error{Kind: KindUnknownEngineConfigAtStartup}) {
		t.Errorf("expected the fetch failure as the cause, got %v", err)
	}
}

func TestInstanceAcquireSlotDuringRedefinition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeConfigClient(definition("AssetDiscovery", "0",
		binding("small-files", "echo", map[string]string{"generation": "0"}),
	))

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	if err := i.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var redefinitions sync.WaitGroup
	redefinitions.Add(1)
	go func() {
		defer redefinitions.Done()

		// Every generation changes the binding, so every refresh retires the
		// slot that dispatches are using
		for gen := 1; ; gen++ {
			select {
			case <-done:
				return
			default:
			}

			client.Set(definition("AssetDiscovery", strconv.Itoa(gen),
				binding("small-files", "echo", map[string]string{"generation": strconv.Itoa(gen)}),
			))
			_ = i.Refresh(ctx)
		}
	}()

	var dispatchers sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		dispatchers.Add(1)
		go func() {
			defer dispatchers.Done()

			for range 2000 {
				_, slot, err := i.acquireSlot("small-files")
				if err != nil {
					errs <- err
					return
				}
				slot.release()
			}
		}()
	}

	dispatchers.Wait()
	close(done)
	redefinitions.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("a ready engine that is being redefined should always hand out a slot, got %v", err)
	}
}

func TestInstanceReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeConfigClient(&EngineDefinition{
		QualifiedName: "AssetDiscovery",
		DisplayName:   "Asset Discovery",
		Description:   "Finds files",
		Version:       "7",
		Bindings: []RequestTypeBinding{
			binding("small-files", "echo", nil),
			binding("big-files", "echo", nil),
		},
	})

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	defer i.Close()

	if err := i.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	_, slot, err := i.acquireSlot("big-files")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := slot.load(ctx); err != nil {
		t.Fatal(err)
	}
	slot.release()

	r := i.Report()

	if r.Status != StatusReady || r.DisplayName != "Asset Discovery" || r.Version != "7" {
		t.Errorf("unexpected report %+v", r)
	}
	if len(r.RequestTypes) != 2 || r.RequestTypes[0] != "big-files" {
		t.Errorf("unexpected request types %v", r.RequestTypes)
	}
	if len(r.LoadedServices) != 1 || r.LoadedServices[0] != "big-files" {
		t.Errorf("unexpected loaded services %v", r.LoadedServices)
	}
	if r.Attempts != 1 || r.LastSuccess.IsZero() {
		t.Errorf("unexpected attempts %+v", r)
	}
}

func TestInstanceClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeConfigClient(definition("AssetDiscovery", "1", binding("small-files", "echo", nil)))
	client.Fail("Other", unreachable("Other"))

	i := newTestInstance("AssetDiscovery", client, newTestLoader(t))
	if err := i.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	_, slot, _ := i.acquireSlot("small-files")
	svc, _ := slot.load(ctx)
	slot.release()

	i.Close()

	if !svc.(*closingService).closed.Load() {
		t.Error("expected services to be closed")
	}

	_, _, err := i.acquireSlot("small-files")
	if KindOf(err) != KindEngineNotInitialized {
		t.Errorf("expected ENGINE_NOT_INITIALIZED after close, got %v", err)
	}

	retrying := newTestInstance("Other", client, newTestLoader(t))
	_ = retrying.Initialize(ctx)
	retrying.Close()

	if retrying.RetryScheduled() {
		t.Error("close should stop the retry")
	}
	fetches := client.FetchCount("Other")
	time.Sleep(50 * time.Millisecond)
	if client.FetchCount("Other") != fetches {
		t.Error("fetches continued after close")
	}
}
