package urlcheck

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	var out []netip.Addr
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out, nil
}

func newValidator(opts ...Option) *Validator {
	resolver := fakeResolver{
		"example.com":  {"93.184.216.34"},
		"internal.lan": {"10.1.2.3"},
		"dual.example": {"93.184.216.34", "192.168.1.1"},
		"mapped.example": {"::ffff:10.0.0.1"},
	}
	return New(append([]Option{WithResolver(resolver)}, opts...)...)
}

func TestValidateAcceptsPublicHost(t *testing.T) {
	v := newValidator()
	if err := v.Validate(context.Background(), "https://example.com/doc.pdf", "document_url"); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsScheme(t *testing.T) {
	v := newValidator()
	for _, raw := range []string{"ftp://example.com/x", "file:///etc/passwd", "gopher://example.com"} {
		if err := v.Validate(context.Background(), raw, "document_url"); !errors.Is(err, ErrRejected) {
			t.Errorf("Validate(%q) = %v, want ErrRejected", raw, err)
		}
	}
}

func TestValidateRejectsPrivateRanges(t *testing.T) {
	v := newValidator()
	cases := []string{
		"http://internal.lan/x",       // resolves to 10.x
		"http://dual.example/x",       // one public, one private address
		"http://mapped.example/x",     // IPv4-mapped private
		"http://127.0.0.1:8080/x",     // literal loopback
		"http://169.254.169.254/meta", // link-local metadata endpoint
		"http://[::1]/x",
		"http://100.64.0.1/x", // CGNAT
	}
	for _, raw := range cases {
		if err := v.Validate(context.Background(), raw, "callback_url"); !errors.Is(err, ErrRejected) {
			t.Errorf("Validate(%q) = %v, want ErrRejected", raw, err)
		}
	}
}

func TestValidateRejectsUnresolvableHost(t *testing.T) {
	v := newValidator()
	if err := v.Validate(context.Background(), "https://nope.invalid/x", "document_url"); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestAllowList(t *testing.T) {
	v := newValidator(WithAllowedHosts("example.com"))

	if err := v.Validate(context.Background(), "https://example.com/x", "document_url"); err != nil {
		t.Fatal(err)
	}
	// dual.example is resolvable but not allow-listed.
	if err := v.Validate(context.Background(), "https://dual.example/x", "document_url"); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}
