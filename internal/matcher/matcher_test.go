package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"groupcast/internal/posting"
	logx "groupcast/pkg/logx"
)

type fakeSurface struct {
	entries []Entry
	window  int
	step    int
	offset  int

	selected    map[string]bool
	ignoreSel   map[string]int // number of Select calls to swallow per key
	selectCalls map[string]int

	moves       map[ScrollStrategy]bool
	unsupported map[ScrollStrategy]bool
	scrollLog   []ScrollStrategy
}

func newFakeSurface(window, step int, names ...string) *fakeSurface {
	s := &fakeSurface{
		window:      window,
		step:        step,
		selected:    map[string]bool{},
		ignoreSel:   map[string]int{},
		selectCalls: map[string]int{},
		moves:       map[ScrollStrategy]bool{ScrollWheel: true},
		unsupported: map[ScrollStrategy]bool{},
	}
	for i, n := range names {
		s.entries = append(s.entries, Entry{Key: fmt.Sprintf("row-%d", i), Name: n})
	}
	return s
}

func (s *fakeSurface) Visible(context.Context) ([]Entry, error) {
	end := min(s.offset+s.window, len(s.entries))
	return append([]Entry(nil), s.entries[s.offset:end]...), nil
}

func (s *fakeSurface) IsSelected(_ context.Context, e Entry) (bool, error) {
	return s.selected[e.Key], nil
}

func (s *fakeSurface) Select(_ context.Context, e Entry) error {
	s.selectCalls[e.Key]++
	if s.ignoreSel[e.Key] > 0 {
		s.ignoreSel[e.Key]--
		return nil
	}
	s.selected[e.Key] = true
	return nil
}

func (s *fakeSurface) ScrollPosition(context.Context) (float64, error) {
	return float64(s.offset), nil
}

func (s *fakeSurface) Scroll(_ context.Context, st ScrollStrategy) error {
	s.scrollLog = append(s.scrollLog, st)
	if s.unsupported[st] {
		return ErrStrategyUnsupported
	}
	if !s.moves[st] {
		return nil
	}
	s.offset = min(s.offset+s.step, max(len(s.entries)-s.window, 0))
	return nil
}

func targets(names ...string) []posting.Target {
	out := make([]posting.Target, 0, len(names))
	for i, n := range names {
		out = append(out, posting.Target{ID: fmt.Sprintf("t%d", i+1), DisplayName: n})
	}
	return out
}

func testMatcher(cfg Config) *Matcher {
	return New(cfg, logx.Nop())
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"Café  Déjà-Vu!", "cafe deja vu"},
		{"ＪＡＫＡＲＴＡ Property", "jakarta property"},
		{"  --  ", ""},
		{"Rumah_Murah (Bandung)", "rumah murah bandung"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRun_ScrollRevealsPartialMatches(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 3,
		"Cooking Club", "Cat Lovers", "Vintage Cars", "Running Buddies", "Photography Daily",
		"Jakarta Property Hub", "Bandung Rumah Murah Official", "Gardening Tips",
	)
	in := targets("Jakarta Property Hub", "Bandung Rumah Murah", "Surabaya Kost", "Bali Villa Rentals", "Medan Tanah")
	m := testMatcher(Config{StaleScrollLimit: 2})

	res, err := m.Run(context.Background(), s, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 2 || len(res.NotFound) != 3 || len(res.SelectFailed) != 0 {
		t.Fatalf("matched=%d notFound=%d failed=%d, want 2/3/0", len(res.Matched), len(res.NotFound), len(res.SelectFailed))
	}
	if res.Stop != StopEndOfList {
		t.Fatalf("Stop = %q, want %q", res.Stop, StopEndOfList)
	}
	if res.Scrolls != 3 {
		t.Fatalf("Scrolls = %d, want 3", res.Scrolls)
	}
	if res.Observed != 8 {
		t.Fatalf("Observed = %d, want 8", res.Observed)
	}
	if !res.Matched[0].Exact || res.Matched[0].Target.ID != "t1" {
		t.Fatalf("first match = %+v, want exact t1", res.Matched[0])
	}
	if res.Matched[1].Exact || res.Matched[1].Target.ID != "t2" {
		t.Fatalf("second match = %+v, want fuzzy t2", res.Matched[1])
	}
	if !s.selected["row-5"] || !s.selected["row-6"] {
		t.Fatalf("selected = %v, want row-5 and row-6", s.selected)
	}
}

func TestRun_PartitionIsDisjointAndComplete(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(3, 2, "Alpha Traders", "Beta Market", "Gamma Hub", "Delta Place")
	s.ignoreSel["row-1"] = 5
	in := targets("Alpha Traders", "Beta Market", "Omega Lounge")
	res, err := testMatcher(Config{StaleScrollLimit: 1}).Run(context.Background(), s, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seen := map[string]int{}
	for _, m := range res.Matched {
		seen[m.Target.ID]++
	}
	for _, f := range res.SelectFailed {
		seen[f.Target.ID]++
		if !errors.Is(f.Err, ErrNotSelected) {
			t.Fatalf("SelectFailed err = %v, want ErrNotSelected", f.Err)
		}
	}
	for _, nf := range res.NotFound {
		seen[nf.ID]++
	}
	for _, tg := range in {
		if seen[tg.ID] != 1 {
			t.Fatalf("target %s appears %d times across categories, want 1", tg.ID, seen[tg.ID])
		}
	}
	if len(seen) != len(in) {
		t.Fatalf("categories hold %d targets, want %d", len(seen), len(in))
	}
	if got := s.selectCalls["row-1"]; got != 2 {
		t.Fatalf("select calls for stubborn entry = %d, want 2", got)
	}
}

func TestRun_AlreadySelectedIsNoop(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 1, "Kost Depok")
	s.selected["row-0"] = true
	res, err := testMatcher(Config{}).Run(context.Background(), s, targets("Kost Depok"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 1 || !res.Matched[0].AlreadySelected {
		t.Fatalf("Matched = %+v, want one already-selected match", res.Matched)
	}
	if s.selectCalls["row-0"] != 0 {
		t.Fatalf("Select called %d times, want 0", s.selectCalls["row-0"])
	}
	if res.Stop != StopAllMatched || res.Scrolls != 0 {
		t.Fatalf("Stop=%q Scrolls=%d, want all_matched/0", res.Stop, res.Scrolls)
	}
}

func TestRun_ReRenderedEntryNotMatchedTwice(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(2, 1, "Kost Depok", "Cooking Club", "KOST  DEPOK!")
	in := []posting.Target{
		{ID: "t1", DisplayName: "Kost Depok"},
		{ID: "t2", DisplayName: "Kost Depok"},
	}
	res, err := testMatcher(Config{StaleScrollLimit: 1}).Run(context.Background(), s, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 1 || res.Matched[0].Entry.Key != "row-0" {
		t.Fatalf("Matched = %+v, want only row-0", res.Matched)
	}
	if s.selectCalls["row-2"] != 0 {
		t.Fatalf("re-rendered entry selected %d times, want 0", s.selectCalls["row-2"])
	}
	if len(res.NotFound) != 1 || res.NotFound[0].ID != "t2" {
		t.Fatalf("NotFound = %+v, want t2", res.NotFound)
	}
	if res.Observed != 2 {
		t.Fatalf("Observed = %d, want 2", res.Observed)
	}
}

func TestRun_SelectReissuedOnce(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 1, "Kost Depok")
	s.ignoreSel["row-0"] = 1
	res, err := testMatcher(Config{}).Run(context.Background(), s, targets("Kost Depok"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 1 || res.Matched[0].AlreadySelected {
		t.Fatalf("Matched = %+v, want one fresh match", res.Matched)
	}
	if s.selectCalls["row-0"] != 2 {
		t.Fatalf("Select called %d times, want 2", s.selectCalls["row-0"])
	}
}

func TestRun_StoplistOnlyOverlapRejected(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 1, "Jual Beli Bandung")
	res, err := testMatcher(Config{StaleScrollLimit: 1}).Run(context.Background(), s, targets("Jual Beli Jakarta"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 0 || len(res.NotFound) != 1 {
		t.Fatalf("matched=%d notFound=%d, want 0/1", len(res.Matched), len(res.NotFound))
	}
}

func TestRun_BelowThresholdRejected(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 1, "Jakarta Selatan Apartemen Sewa Harian")
	res, err := testMatcher(Config{StaleScrollLimit: 1}).Run(context.Background(), s, targets("Jakarta Property"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Matched) != 0 {
		t.Fatalf("Matched = %+v, want none (1/5 overlap)", res.Matched)
	}
}

func TestRun_AttemptCeiling(t *testing.T) {
	t.Parallel()
	names := make([]string, 0, 40)
	for i := range 40 {
		names = append(names, fmt.Sprintf("Filler Row %d", i))
	}
	s := newFakeSurface(4, 4, names...)
	res, err := testMatcher(Config{MaxScrollAttempts: 2}).Run(context.Background(), s, targets("Nowhere Group"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stop != StopAttemptCeiling || res.Scrolls != 2 {
		t.Fatalf("Stop=%q Scrolls=%d, want attempt_ceiling/2", res.Stop, res.Scrolls)
	}
}

func TestRun_ScrollEscalationStopsAtFirstMove(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(2, 2, "One Place", "Two Place", "Three Spot", "Four Spot")
	s.moves = map[ScrollStrategy]bool{ScrollLastIntoView: true, ScrollKeyboardEnd: true}
	s.unsupported[ScrollWheel] = true
	_, err := testMatcher(Config{MaxScrollAttempts: 1}).Run(context.Background(), s, targets("Missing Target"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []ScrollStrategy{ScrollWheel, ScrollContainer, ScrollLastIntoView}
	if len(s.scrollLog) != len(want) {
		t.Fatalf("scroll log = %v, want %v", s.scrollLog, want)
	}
	for i := range want {
		if s.scrollLog[i] != want[i] {
			t.Fatalf("scroll log = %v, want %v", s.scrollLog, want)
		}
	}
}

func TestRun_TooManyTargets(t *testing.T) {
	t.Parallel()
	s := newFakeSurface(5, 1)
	_, err := testMatcher(Config{MaxTicks: 1}).Run(context.Background(), s, targets("a b", "c d"))
	if !errors.Is(err, ErrTooManyTargets) {
		t.Fatalf("err = %v, want ErrTooManyTargets", err)
	}
}

func TestRun_CancelledReportsNotFound(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newFakeSurface(5, 1, "Kost Depok")
	res, err := testMatcher(Config{}).Run(ctx, s, targets("Kost Depok", "Kost Bogor"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Stop != StopCancelled || len(res.NotFound) != 2 {
		t.Fatalf("Stop=%q notFound=%d, want cancelled/2", res.Stop, len(res.NotFound))
	}
}
