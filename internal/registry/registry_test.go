package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/screenager/osgrep-core/internal/denseenc"
)

// failingSource always returns an error, for exercising the init-failure
// path without needing real model artifacts.
type failingSource struct{}

func (failingSource) Fetch(ctx context.Context, repoID, relPath string) (string, error) {
	return "", fmt.Errorf("no artifact for %s/%s in test", repoID, relPath)
}

func TestIsInitializedBeforeAnyInit(t *testing.T) {
	Reset()
	denseOK, colbertOK := IsInitialized()
	if denseOK || colbertOK {
		t.Fatal("fresh registry should report both slots uninitialized")
	}
}

func TestWithDenseBeforeInitReturnsNotInitialized(t *testing.T) {
	Reset()
	err := WithDense(func(e *denseenc.Encoder) error { return nil })
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("WithDense before init: err = %v, want ErrNotInitialized", err)
	}
}

func TestInitDenseFailurePropagates(t *testing.T) {
	Reset()
	Configure(Config{ArtifactSource: failingSource{}})

	err := InitDense(context.Background(), "some/repo")
	if err == nil {
		t.Fatal("expected error from failing artifact source, got nil")
	}
	denseOK, _ := IsInitialized()
	if denseOK {
		t.Fatal("dense slot should remain uninitialized after a failed Init")
	}
}

func TestInitColbertFailurePropagates(t *testing.T) {
	Reset()
	Configure(Config{ArtifactSource: failingSource{}})

	err := InitColbert(context.Background(), "some/repo")
	if err == nil {
		t.Fatal("expected error from failing artifact source, got nil")
	}
}
