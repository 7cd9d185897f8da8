package validation

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestConfigValidator_RangeInt(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		expectErr bool
	}{
		{"below", 0, true},
		{"at min", 1, false},
		{"inside", 4, false},
		{"at max", 8, false},
		{"above", 9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("World")
			cv.RangeInt("Size", tt.value, 1, 8)
			if cv.HasErrors() != tt.expectErr {
				t.Errorf("RangeInt(%d) errors = %v, want %v", tt.value, cv.Errors(), tt.expectErr)
			}
		})
	}
}

func TestConfigValidator_Floats(t *testing.T) {
	cv := NewConfigValidator("Layer")
	cv.PositiveFloat("Cutoff", 0).
		PositiveFloat("Cutoff", math.Inf(1)).
		Finite("Weights", 1, 2, math.NaN())
	if got := len(cv.Errors()); got != 3 {
		t.Errorf("expected 3 errors, got %d: %v", got, cv.Errors())
	}

	ok := NewConfigValidator("Layer").PositiveFloat("Cutoff", 4.5).Finite("Weights", 0, -1)
	if ok.HasErrors() {
		t.Errorf("unexpected errors: %v", ok.Errors())
	}
}

func TestConfigValidator_Collections(t *testing.T) {
	cv := NewConfigValidator("Model")
	cv.Unique("Species", []string{"H", "O", "H"}).
		Sorted("Species", []string{"O", "H"}).
		LenEqual("Layers", 2, 3)
	if got := len(cv.Errors()); got != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", got, cv.Errors())
	}
	if !strings.Contains(cv.Errors()[0].Error(), `"H"`) {
		t.Errorf("duplicate not named: %v", cv.Errors()[0])
	}
}

func TestConfigValidator_WhenAndCustom(t *testing.T) {
	sentinel := errors.New("boom")
	cv := NewConfigValidator("RunConfig")
	cv.When(false, func(v *ConfigValidator) { v.Required("ModelDir", "") })
	if cv.HasErrors() {
		t.Fatal("When(false) applied validations")
	}
	cv.When(true, func(v *ConfigValidator) {
		v.Custom("Transport", func() error { return sentinel })
	})
	if !errors.Is(cv.Validate(), sentinel) {
		t.Errorf("Validate() = %v, want wrapped sentinel", cv.Validate())
	}
}

func TestConfigValidator_ValidateJoinsAll(t *testing.T) {
	cv := NewConfigValidator("RunConfig")
	cv.Required("ModelDir", "").OneOf("Transport", "mpi", []string{"fabric", "nng"})
	err := cv.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "2 errors") || !strings.Contains(msg, "ModelDir") || !strings.Contains(msg, "Transport") {
		t.Errorf("combined error missing detail: %s", msg)
	}
	if NewConfigValidator("Empty").Validate() != nil {
		t.Error("empty validator returned error")
	}
}

func TestDefaultOr(t *testing.T) {
	if DefaultOr("", "fabric") != "fabric" {
		t.Error("empty string not defaulted")
	}
	if DefaultOr(3, 1) != 3 {
		t.Error("non-zero value replaced")
	}
}
