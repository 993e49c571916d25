package homa

import "testing"

func TestPolicyUnscheduledBytes(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	var tests = []struct {
		length   uint32
		expected uint32
	}{
		{0, 0},
		{1, 1},
		{9999, 9999},
		{10000, 10000},
		{10001, 10000},
		{1 << 20, 10000},
	}

	for _, test := range tests {
		if got := p.UnscheduledBytes(test.length); got != test.expected {
			t.Fatalf("UnscheduledBytes(%d) = %d, expected %d", test.length, got, test.expected)
		}
	}
}

func TestPolicyUnscheduledPriority(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	var tests = []struct {
		length   uint32
		expected uint8
	}{
		{0, 7},
		{1250, 7},
		{1251, 6},
		{5000, 6},
		{5001, 5},
		{10000, 5},
		{10001, 4},
		{1 << 20, 4},
	}

	for _, test := range tests {
		if got := p.UnscheduledPriority(test.length); got != test.expected {
			t.Fatalf("UnscheduledPriority(%d) = %d, expected %d", test.length, got, test.expected)
		}
	}
}

func TestPolicyGrantPriority(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	var tests = []struct {
		rank     int
		expected uint8
	}{
		{0, 3},
		{1, 2},
		{2, 1},
		{3, 0},
		{4, 0},
		{7, 0},
	}

	for _, test := range tests {
		if got := p.GrantPriority(test.rank); got != test.expected {
			t.Fatalf("GrantPriority(%d) = %d, expected %d", test.rank, got, test.expected)
		}
	}

	// Scheduled priorities must stay below every unscheduled band.
	if top := p.GrantPriority(0); top >= p.UnscheduledPriority(1<<20) {
		t.Fatalf("Grant priority %d overlaps unscheduled band %d", top, p.UnscheduledPriority(1<<20))
	}
}

func TestAlignToPacket(t *testing.T) {
	var tests = []struct {
		limit, payload, length uint32
		expected               uint32
	}{
		{10000, 1468, 80000, 10276},
		{10000, 1000, 80000, 10000},
		{10000, 1468, 10000, 10000},
		{0, 1468, 10000, 0},
		{2000, 1468, 2000, 2000},
		{1469, 1468, 80000, 2936},
	}

	for _, test := range tests {
		if got := alignToPacket(test.limit, test.payload, test.length); got != test.expected {
			t.Fatalf("alignToPacket(%d, %d, %d) = %d, expected %d",
				test.limit, test.payload, test.length, got, test.expected)
		}
	}
}
