package types

import (
	"testing"
)

func TestTagStatus_IsValid(t *testing.T) {
	for _, s := range AllTagStatuses {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}

	for _, s := range []TagStatus{"", "minted", "PRE_IDENTITY"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}
