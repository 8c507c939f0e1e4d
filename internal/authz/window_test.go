package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowActive(t *testing.T) {
	cases := []struct {
		name   string
		w      Window
		active []int
	}{
		{"always", Window{0, 0}, hours(0, 24)},
		{"day", Window{8, 22}, hours(8, 22)},
		{"wrap", Window{22, 6}, append(hours(22, 24), hours(0, 6)...)},
		{"closed", Window{5, 5}, nil},
		{"last hour", Window{23, 24}, []int{23}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for h := 0; h < 24; h++ {
				want := false
				for _, a := range tc.active {
					if a == h {
						want = true
					}
				}
				require.Equal(t, want, tc.w.Active(h), "hour %d", h)
			}
		})
	}
}

// hours returns from..to-1.
func hours(from, to int) []int {
	var out []int
	for h := from; h < to; h++ {
		out = append(out, h)
	}
	return out
}

func TestWindowActiveMatchesInterval(t *testing.T) {
	for start := 0; start <= 24; start++ {
		for stop := 0; stop <= 24; stop++ {
			w := Window{start, stop}
			for h := 0; h < 24; h++ {
				var want bool
				switch {
				case start == 0 && stop == 0:
					want = true
				case start < stop:
					want = start <= h && h < stop
				case start > stop:
					want = h >= start || h < stop
				}
				require.Equal(t, want, w.Active(h), "window %v hour %d", w, h)
			}
		}
	}
}

func TestEffectiveAlwaysOnAddsAllEscalations(t *testing.T) {
	rec := Record{MemberID: "U1", BaseRoles: []string{"R1", "R3", "R4"}}
	esc := Escalations{"R1": "R2", "R3": "R5"}
	for h := 0; h < 24; h++ {
		require.Equal(t, RoleSet{"R1", "R3", "R4", "R2", "R5"}, Effective(rec, h, esc))
	}
}

func TestEffectiveOutsideWindow(t *testing.T) {
	rec := Record{MemberID: "U1", Window: Window{8, 22}, BaseRoles: []string{"R1"}}
	esc := Escalations{"R1": "R2"}

	require.Equal(t, RoleSet{"R1", "R2"}, Effective(rec, 10, esc))
	require.Equal(t, RoleSet{"R1"}, Effective(rec, 23, esc))
}

func TestEffectiveDeduplicates(t *testing.T) {
	rec := Record{BaseRoles: []string{"R1", "R2", "R1"}}
	require.Equal(t, RoleSet{"R1", "R2"}, Effective(rec, 3, Escalations{"R1": "R2"}))
}

func TestNewWindow(t *testing.T) {
	w, err := NewWindow(18, 2)
	require.NoError(t, err)
	require.Equal(t, "18-02", w.String())

	_, err = NewWindow(-1, 4)
	require.ErrorIs(t, err, ErrInvalidWindow)
	_, err = NewWindow(3, 25)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestHourIn(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC)
	require.Equal(t, 1, HourIn(ts, loc))
	require.Equal(t, 22, HourIn(ts, nil))
}
