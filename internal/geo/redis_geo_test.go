package geo

import (
	"testing"

	"github.com/example/courier-dispatch/internal/models"
)

func TestReportedAvail(t *testing.T) {
	cases := []struct {
		name    string
		current string
		online  bool
		want    string
		write   bool
	}{
		{"offline report demotes", string(models.Free), false, string(models.Offline), true},
		{"offline report demotes busy too", string(models.Busy), false, string(models.Offline), true},
		{"unknown driver comes up free", "", true, string(models.Free), true},
		{"reconnect promotes offline to free", string(models.Offline), true, string(models.Free), true},
		{"online report keeps free", string(models.Free), true, "", false},
		{"online report never clobbers busy", string(models.Busy), true, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, write := reportedAvail(tc.current, tc.online)
			if write != tc.write || got != tc.want {
				t.Fatalf("reportedAvail(%q, %v) = %q, %v; want %q, %v",
					tc.current, tc.online, got, write, tc.want, tc.write)
			}
		})
	}
}
