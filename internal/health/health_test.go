package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		time.Sleep(20 * time.Millisecond)
		return Status{Name: "database", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if statuses[0].Name != "database" || statuses[1].Name != "redis" {
		t.Fatalf("unexpected order: %+v", statuses)
	}
	if statuses[0].LatencyMs < 20 {
		t.Errorf("expected latency >= 20ms, got %d", statuses[0].LatencyMs)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryRunsChecksConcurrently(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Register("slow", func(_ context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("checks appear sequential: took %v", elapsed)
	}
}

func TestRegistryPanickingChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(_ context.Context) Status {
		panic("boom")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("panicking checker must be unhealthy")
	}
	if statuses[0].Name != "broken" {
		t.Errorf("expected name to default to registration name, got %q", statuses[0].Name)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("worker", func(_ context.Context) Status {
				return Status{Name: "worker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
