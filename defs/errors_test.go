package defs

import "testing"

func TestErrStringOK(t *testing.T) {
	if got := Err_t(0).String(); got != "ok" {
		t.Fatalf("String() = %q, want ok", got)
	}
}

func TestErrStringKnown(t *testing.T) {
	cases := map[Err_t]string{
		EINVALARG: "invalid-arg",
		ENOMEM:    "no-memory",
		ENOENT:    "does-not-exist",
		ETIMEOUT:  "timeout",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", code, got, want)
		}
	}
}

func TestErrStringUnknownFallsBackToInvalidArg(t *testing.T) {
	unknown := Err_t(999)
	if got := unknown.String(); got != "invalid-arg" {
		t.Fatalf("String() = %q, want invalid-arg", got)
	}
}

func TestErrErrorMatchesString(t *testing.T) {
	if EFAULT.Error() != EFAULT.String() {
		t.Fatalf("Error() and String() diverge: %q vs %q", EFAULT.Error(), EFAULT.String())
	}
}

func TestToUserIdentityForKnownCodes(t *testing.T) {
	if ENOSPACE.ToUser() != ENOSPACE {
		t.Fatalf("ToUser() changed a known code")
	}
}

func TestToUserNormalizesZeroAndUnknown(t *testing.T) {
	if Err_t(0).ToUser() != 0 {
		t.Fatalf("ToUser() on zero should stay zero")
	}
	if Err_t(999).ToUser() != EINVALARG {
		t.Fatalf("ToUser() on unknown code should normalize to EINVALARG")
	}
}
