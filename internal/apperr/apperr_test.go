package apperr

import "testing"

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNoRoute:             503,
		KindNoCapacity:          503,
		KindRequestTimeout:      504,
		KindTunnelLost:          502,
		KindTunnelProtocolError: 502,
		KindPayloadTooLarge:     413,
		KindInternalError:       500,
		KindUnknown:             500,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindNoRoute, "no receiver for %s", "example.com/api")
	want := "gateway: NoRoute: no receiver for example.com/api"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageNoMsg(t *testing.T) {
	err := &Error{Kind: KindInternalError}
	if err.Error() != "gateway: InternalError" {
		t.Errorf("Error() = %q", err.Error())
	}
}
