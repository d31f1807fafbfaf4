package tgrid

import (
	"context"
	"errors"
	"testing"
)

func TestDriverListenerConstruction(t *testing.T) {
	d := &Driver{}
	if got := d.listener(""); got != "" {
		t.Errorf("Root listener: expected empty, got %q", got)
	}
	if got := d.listener("plus"); got != "plus" {
		t.Errorf("Expected plus, got %q", got)
	}

	nested := d.Prop("scientific", "trig")
	if got := nested.listener("sin"); got != "scientific.trig.sin" {
		t.Errorf("Expected scientific.trig.sin, got %q", got)
	}
	// Prop copies the path; the parent driver is unaffected.
	if got := d.listener("plus"); got != "plus" {
		t.Errorf("Parent driver mutated: %q", got)
	}
}

type calculatorFacade struct {
	Plus       func(a, b float64) (float64, error)
	Minus      func(ctx context.Context, a, b float64) (float64, error)
	Multiplies func(a, b float64) (float64, error) `tgrid:"multiplies"`
	Scientific struct {
		Sqrt func(x float64) (float64, error)
	}
}

func TestDriverBindFacade(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())

	var calc calculatorFacade
	if err := caller.Driver().Bind(&calc); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	sum, err := calc.Plus(2, 3)
	if err != nil {
		t.Fatalf("Plus failed: %v", err)
	}
	if sum != 5 {
		t.Errorf("Expected 5, got %v", sum)
	}

	diff, err := calc.Minus(context.Background(), 9, 4)
	if err != nil || diff != 5 {
		t.Errorf("Minus: got %v, %v", diff, err)
	}

	root, err := calc.Scientific.Sqrt(81)
	if err != nil || root != 9 {
		t.Errorf("Sqrt: got %v, %v", root, err)
	}
}

func TestDriverBindRejectsBadFacades(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())
	driver := caller.Driver()

	if err := driver.Bind(struct{}{}); err == nil {
		t.Error("Bind accepted a non-pointer facade")
	}

	var bad struct {
		Count int
	}
	if err := driver.Bind(&bad); err == nil {
		t.Error("Bind accepted a non-func field")
	}

	var twoResults struct {
		Pair func() (int, int, error)
	}
	if err := driver.Bind(&twoResults); err == nil {
		t.Error("Bind accepted a two-result signature")
	}
}

func TestDriverBindSurfacesRemoteErrors(t *testing.T) {
	caller, _ := newTestPair(t, &throwingProvider{})

	var facade struct {
		Fail func() error
	}
	if err := caller.Driver().Bind(&facade); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	err := facade.Fail()
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Name != "DomainError" {
		t.Errorf("Expected DomainError, got %v", err)
	}
}

func TestDriverCallToTypedResult(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())

	var sum float64
	if err := caller.Driver().CallTo(context.Background(), "plus", &sum, 40, 2); err != nil {
		t.Fatalf("CallTo failed: %v", err)
	}
	if sum != 42 {
		t.Errorf("Expected 42, got %v", sum)
	}

	// Discarded result.
	if err := caller.Driver().CallTo(context.Background(), "plus", nil, 1, 2); err != nil {
		t.Fatalf("CallTo with nil result failed: %v", err)
	}
}
