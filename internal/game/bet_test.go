package game

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testBox(minPrice, maxPrice float64) model.Box {
	return model.Box{
		ID:          "box-1",
		MinPrice:    d(minPrice),
		MaxPrice:    d(maxPrice),
		Coefficient: d(2),
		TimeToGraph: 4,
		TimeLength:  10,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Win checks ---

func TestCheckWinOnStart(t *testing.T) {
	box := testBox(1.1000, 1.1010)
	log := discard()

	cases := []struct {
		name string
		mid  float64
		want bool
	}{
		{"inside", 1.1005, true},
		{"below", 1.0999, false},
		{"above", 1.1011, false},
		{"on lower edge", 1.1000, false},
		{"on upper edge", 1.1010, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := checkWinOnStart(box, tc.mid, log); got != tc.want {
				t.Errorf("checkWinOnStart(%v) = %v, want %v", tc.mid, got, tc.want)
			}
		})
	}
}

func TestCheckWinOngoing_Inside(t *testing.T) {
	box := testBox(1.1000, 1.1010)
	if !checkWinOngoing(box, 1.1005, 1.0990, discard()) {
		t.Error("mid-price inside the box should win")
	}
}

func TestCheckWinOngoing_FullStraddle(t *testing.T) {
	box := testBox(1.1000, 1.1010)
	log := discard()

	// Crossed the whole box downward between two samples.
	if !checkWinOngoing(box, 1.0990, 1.1020, log) {
		t.Error("downward straddle should win")
	}
	// And upward.
	if !checkWinOngoing(box, 1.1020, 1.0990, log) {
		t.Error("upward straddle should win")
	}
}

func TestCheckWinOngoing_PartialMoveDoesNotWin(t *testing.T) {
	box := testBox(1.1000, 1.1010)
	log := discard()

	// Previous above the box, current below the box's top but still above
	// the bottom is "inside" and wins; this case lands both samples on the
	// same side.
	if checkWinOngoing(box, 1.1012, 1.1020, log) {
		t.Error("both samples above the box should not win")
	}
	if checkWinOngoing(box, 1.0990, 1.0995, log) {
		t.Error("both samples below the box should not win")
	}
}

// Any pair of samples straddling the box wins regardless of direction:
// either one of them is inside, or they cross it entirely.
func TestCheckWinOngoing_StraddleAlwaysWins(t *testing.T) {
	box := testBox(1.1000, 1.1010)
	log := discard()

	pairs := [][2]float64{
		{1.0990, 1.1020}, // below → above
		{1.1020, 1.0990}, // above → below
		{1.0990, 1.1005}, // below → inside
		{1.1005, 1.1020}, // inside → above
	}
	for _, p := range pairs {
		if !checkWinOngoing(box, p[1], p[0], log) {
			t.Errorf("samples %v → %v straddle the box but did not win", p[0], p[1])
		}
	}
}

// --- Lifecycle transitions ---

func newTestBet(box model.Box) *Bet {
	return &Bet{
		ID:         "bet-1",
		UserID:     "user-1",
		Instrument: "EURUSD",
		Amount:     d(10),
		Box:        box,
		PlacedAt:   time.Now().UTC(),
		status:     model.BetWaiting,
	}
}

func TestBetLifecycle_WaitingToOnGoingToWin(t *testing.T) {
	bet := newTestBet(testBox(1.1000, 1.1010))

	if !bet.markOnGoing(time.Now()) {
		t.Fatal("markOnGoing from Waiting should succeed")
	}
	if bet.Status() != model.BetOnGoing {
		t.Fatalf("status = %v, want OnGoing", bet.Status())
	}

	if !bet.tryWin(time.Now()) {
		t.Fatal("tryWin from OnGoing should succeed")
	}
	if bet.Status() != model.BetWin {
		t.Fatalf("status = %v, want Win", bet.Status())
	}
}

func TestBetWinIsIdempotent(t *testing.T) {
	bet := newTestBet(testBox(1.1000, 1.1010))
	bet.markOnGoing(time.Now())

	if !bet.tryWin(time.Now()) {
		t.Fatal("first tryWin should succeed")
	}
	for n := 0; n < 3; n++ {
		if bet.tryWin(time.Now()) {
			t.Fatal("repeated tryWin must be a no-op")
		}
	}
}

func TestBetDirectWaitingToWin(t *testing.T) {
	// The on-start check may settle a bet before it ever goes OnGoing.
	bet := newTestBet(testBox(1.1000, 1.1010))

	if !bet.tryWin(time.Now()) {
		t.Fatal("tryWin from Waiting should succeed")
	}
	if bet.markOnGoing(time.Now()) {
		t.Error("markOnGoing after Win must be a no-op")
	}
}

func TestBetFinish(t *testing.T) {
	bet := newTestBet(testBox(1.1000, 1.1010))
	bet.markOnGoing(time.Now())

	if !bet.finish(time.Now()) {
		t.Fatal("finish on a non-won bet should yield Lose")
	}
	if bet.Status() != model.BetLose {
		t.Fatalf("status = %v, want Lose", bet.Status())
	}
}

func TestBetFinishAfterWinKeepsWin(t *testing.T) {
	bet := newTestBet(testBox(1.1000, 1.1010))
	bet.markOnGoing(time.Now())
	bet.tryWin(time.Now())

	if bet.finish(time.Now()) {
		t.Fatal("finish after Win must not report Lose")
	}
	if bet.Status() != model.BetWin {
		t.Fatalf("status = %v, want Win", bet.Status())
	}
	_, _, _, finished := bet.stamps()
	if finished.IsZero() {
		t.Error("finish must still record the finished stamp")
	}
}

func TestBetRecordRoundTrip(t *testing.T) {
	bet := newTestBet(testBox(1.1000, 1.1010))
	rec := bet.record()

	if rec.ID != bet.ID || rec.UserID != bet.UserID || rec.Instrument != bet.Instrument {
		t.Fatalf("record identity mismatch: %+v", rec)
	}
	box, err := model.BoxFromJSON(rec.Box)
	if err != nil {
		t.Fatalf("box JSON did not round-trip: %v", err)
	}
	if !box.MinPrice.Equal(bet.Box.MinPrice) || !box.MaxPrice.Equal(bet.Box.MaxPrice) {
		t.Errorf("box geometry changed in the record: %+v", box)
	}
}
