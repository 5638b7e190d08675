package magnet

import (
	"strings"
	"testing"

	"github.com/prxssh/dchub/internal/identity"
)

func mustTTH(t *testing.T, s string) identity.TTHValue {
	t.Helper()
	tth, err := identity.ParseTTH(s)
	if err != nil {
		t.Fatalf("bad test TTH %q: %v", s, err)
	}
	return tth
}

func TestParse(t *testing.T) {
	sample := "LNQVOIFNU3HVZW2UK4LJ2FLMSVBFVORZF4UQABQ"[:39]

	tests := []struct {
		name      string
		input     string
		wantErr   bool
		errSubstr string
	}{
		{
			name:  "full link",
			input: "magnet:?xt=urn:tree:tiger:" + sample + "&dn=file.iso&xl=12345",
		},
		{
			name:  "xt only",
			input: "magnet:?xt=urn:tree:tiger:" + sample,
		},
		{
			name:      "invalid scheme",
			input:     "http://example.com/?xt=urn:tree:tiger:" + sample,
			wantErr:   true,
			errSubstr: "invalid scheme",
		},
		{
			name:      "missing xt",
			input:     "magnet:?dn=test.file",
			wantErr:   true,
			errSubstr: "missing xt",
		},
		{
			name:      "wrong xt namespace",
			input:     "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a",
			wantErr:   true,
			errSubstr: "must be",
		},
		{
			name:      "bad tth length",
			input:     "magnet:?xt=urn:tree:tiger:TOOSHORT",
			wantErr:   true,
			errSubstr: "invalid tth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Errorf("error %q does not contain %q", err, tt.errSubstr)
				}
				return
			}
			if got.TTH != mustTTH(t, sample) {
				t.Errorf("TTH mismatch: got %v", got.TTH)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	sample := "LNQVOIFNU3HVZW2UK4LJ2FLMSVBFVORZF4UQABQ"[:39]
	m := &Magnet{TTH: mustTTH(t, sample), Name: "file.iso", Size: 12345}

	reparsed, err := Parse(m.String())
	if err != nil {
		t.Fatalf("round-trip parse failed: %v", err)
	}
	if reparsed.TTH != m.TTH || reparsed.Name != m.Name || reparsed.Size != m.Size {
		t.Errorf("round-trip mismatch: got %+v want %+v", reparsed, m)
	}
}
