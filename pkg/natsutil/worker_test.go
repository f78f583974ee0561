package natsutil

import (
	"testing"
	"time"
)

func TestRedeliveryDelay(t *testing.T) {
	cases := []struct {
		deliveries int
		hint       time.Duration
		want       time.Duration
	}{
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{3, 0, 8 * time.Second},
		{8, 0, 256 * time.Second},
		{9, 0, 300 * time.Second},
		{50, 0, 300 * time.Second},
		{1, 45 * time.Second, 45 * time.Second},
	}
	for _, c := range cases {
		if got := redeliveryDelay(c.deliveries, c.hint); got != c.want {
			t.Errorf("redeliveryDelay(%d, %v) = %v, want %v", c.deliveries, c.hint, got, c.want)
		}
	}
}
