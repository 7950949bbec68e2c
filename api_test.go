package osgrep

import (
	"context"
	"errors"
	"testing"

	"github.com/screenager/osgrep-core/internal/registry"
)

func TestEmbedDenseEmptyInput(t *testing.T) {
	_, err := EmbedDense(context.Background(), nil)
	var osgrepErr *Error
	if !errors.As(err, &osgrepErr) {
		t.Fatalf("EmbedDense(nil): err = %v, want *Error", err)
	}
	if osgrepErr.Kind != EmptyInput {
		t.Fatalf("Kind = %v, want EmptyInput", osgrepErr.Kind)
	}
}

func TestEmbedDenseNotInitialized(t *testing.T) {
	registry.Reset()
	_, err := EmbedDense(context.Background(), []string{"hello"})
	var osgrepErr *Error
	if !errors.As(err, &osgrepErr) {
		t.Fatalf("EmbedDense before init: err = %v, want *Error", err)
	}
	if osgrepErr.Kind != NotInitialized {
		t.Fatalf("Kind = %v, want NotInitialized", osgrepErr.Kind)
	}
}

func TestRerankColbertShapeMismatch(t *testing.T) {
	_, err := RerankColbert(context.Background(), []float32{1, 2, 3}, nil, nil, 5)
	var osgrepErr *Error
	if !errors.As(err, &osgrepErr) {
		t.Fatalf("RerankColbert with bad shape: err = %v, want *Error", err)
	}
	if osgrepErr.Kind != ShapeMismatch {
		t.Fatalf("Kind = %v, want ShapeMismatch", osgrepErr.Kind)
	}
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	e1 := newErr(NotInitialized, "Op1", errors.New("detail a"))
	e2 := &Error{Kind: NotInitialized}
	if !errors.Is(e1, e2) {
		t.Fatal("errors with same Kind but different Op/Err should match via Is")
	}
	e3 := &Error{Kind: EmptyInput}
	if errors.Is(e1, e3) {
		t.Fatal("errors with different Kind should not match via Is")
	}
}

func TestIsInitializedMatchesRegistry(t *testing.T) {
	registry.Reset()
	dense, colbertOK := IsInitialized()
	if dense || colbertOK {
		t.Fatal("fresh registry should report both slots uninitialized")
	}
}
