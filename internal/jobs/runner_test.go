package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

type extractCall struct {
	prompt   string
	useCache bool
}

// fakeQuerier answers Extract and Execute from per-prompt scripts and
// records every call.
type fakeQuerier struct {
	mu       sync.Mutex
	lists    map[string]string
	texts    map[string]string
	err      error
	delay    time.Duration
	extracts []extractCall
	requests []query.Request

	inFlight    int
	maxInFlight int
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{lists: map[string]string{}, texts: map[string]string{}}
}

func (f *fakeQuerier) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeQuerier) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeQuerier) Extract(ctx context.Context, prompt string, useCache bool) (json.RawMessage, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, extractCall{prompt: prompt, useCache: useCache})
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.lists[prompt]; ok {
		return json.RawMessage(v), nil
	}
	return json.RawMessage("[]"), nil
}

func (f *fakeQuerier) Execute(ctx context.Context, req query.Request) (query.Result, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return query.Result{}, f.err
	}
	text, ok := f.texts[req.Prompt]
	if !ok {
		return query.Result{}, errors.New("no scripted answer")
	}
	return query.Result{Text: text, Handle: "h1"}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPlace(t *testing.T, s *storage.Store, p storage.Place) storage.Place {
	t.Helper()
	if _, err := s.CreatePlace(context.Background(), p); err != nil {
		t.Fatalf("CreatePlace(%s): %v", p.Name, err)
	}
	return p
}

func country(name string) storage.Place {
	return storage.Place{Kind: storage.KindCountry, Name: name}
}

func city(name, parent string) storage.Place {
	return storage.Place{Kind: storage.KindCity, Name: name, Parent: parent}
}

func promptFor(t *testing.T, job string, p storage.Place) string {
	t.Helper()
	j, ok := Lookup(job)
	if !ok {
		t.Fatalf("job %s not in catalog", job)
	}
	return FillTemplate(j.Template, placeValues(p))
}

func attribute(t *testing.T, s *storage.Store, p storage.Place, key string) (json.RawMessage, bool) {
	t.Helper()
	got, err := s.GetPlace(context.Background(), p.Kind, p.Name)
	if err != nil {
		t.Fatalf("GetPlace(%s): %v", p.Name, err)
	}
	v, ok := got.Attributes[key]
	return v, ok
}

func TestRun_UnknownJob(t *testing.T) {
	r := NewRunner(openTestStore(t), newFakeQuerier(), newFakeQuerier(), 1, true)
	if _, err := r.Run(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestRun_Countries(t *testing.T) {
	s := openTestStore(t)
	seedPlace(t, s, country("Peru"))
	q := newFakeQuerier()
	q.lists[promptFor(t, "countries", storage.Place{})] = `["Peru", "Japan", 42, "Italy"]`

	sum, err := NewRunner(s, q, q, 2, true).Run(context.Background(), "countries")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum != (Summary{Processed: 1}) {
		t.Errorf("Summary = %+v, want one processed unit", sum)
	}

	got, err := s.ListPlaces(context.Background(), storage.KindCountry)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range got {
		names = append(names, p.Name)
	}
	if fmt.Sprint(names) != "[Italy Japan Peru]" {
		t.Errorf("countries = %v, want [Italy Japan Peru]", names)
	}
	if len(q.extracts) != 1 || !q.extracts[0].useCache {
		t.Errorf("extracts = %+v, want one cached extraction", q.extracts)
	}
}

func TestRun_Cities(t *testing.T) {
	s := openTestStore(t)
	peru := seedPlace(t, s, country("Peru"))
	japan := seedPlace(t, s, country("Japan"))
	q := newFakeQuerier()
	q.lists[promptFor(t, "cities", peru)] = `["Lima", "Cusco"]`
	q.lists[promptFor(t, "cities", japan)] = `["Tokyo", {"name": "Kyoto"}, "Osaka"]`

	sum, err := NewRunner(s, q, q, 2, false).Run(context.Background(), "cities")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 1 {
		t.Errorf("Summary = %+v, want Peru processed and Japan failed", sum)
	}

	cities, err := s.ListPlaces(context.Background(), storage.KindCity)
	if err != nil {
		t.Fatal(err)
	}
	parents := map[string]string{}
	for _, c := range cities {
		parents[c.Name] = c.Parent
	}
	want := map[string]string{"Cusco": "Peru", "Lima": "Peru", "Tokyo": "Japan"}
	if fmt.Sprint(parents) != fmt.Sprint(want) {
		t.Errorf("cities = %v, want %v (Osaka follows the bad element)", parents, want)
	}
	for _, c := range q.extracts {
		if c.useCache {
			t.Error("runner without cache must not request cached extraction")
		}
	}
}

func TestRun_DescriptionBypassesCacheAndSkipsDone(t *testing.T) {
	s := openTestStore(t)
	peru := seedPlace(t, s, country("Peru"))
	done := seedPlace(t, s, storage.Place{
		Kind:       storage.KindCountry,
		Name:       "Japan",
		Attributes: map[string]json.RawMessage{"description": json.RawMessage(`"already written"`)},
	})
	q := newFakeQuerier()
	q.texts[promptFor(t, "description", peru)] = "  Peru has mountains and ceviche.\n"

	sum, err := NewRunner(s, q, q, 2, true).Run(context.Background(), "description")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum != (Summary{Processed: 1, Skipped: 1}) {
		t.Errorf("Summary = %+v", sum)
	}
	if len(q.requests) != 1 || q.requests[0].UseCache {
		t.Errorf("requests = %+v, want one uncached request", q.requests)
	}
	if v, _ := attribute(t, s, peru, "description"); string(v) != `"Peru has mountains and ceviche."` {
		t.Errorf("description = %s", v)
	}
	if v, _ := attribute(t, s, done, "description"); string(v) != `"already written"` {
		t.Errorf("existing description overwritten: %s", v)
	}
}

func TestRun_Activities(t *testing.T) {
	s := openTestStore(t)
	lima := seedPlace(t, s, city("Lima", "Peru"))
	cusco := seedPlace(t, s, city("Cusco", "Peru"))
	q := newFakeQuerier()
	q.lists[promptFor(t, "activities", lima)] = `[{"title":"Miraflores","description":"Cliffs","location":"Miraflores Lima"}]`

	sum, err := NewRunner(s, q, q, 2, true).Run(context.Background(), "activities")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 1 {
		t.Errorf("Summary = %+v, want Lima processed and Cusco failed", sum)
	}
	v, ok := attribute(t, s, lima, "activities")
	if !ok {
		t.Fatal("Lima has no activities")
	}
	var acts []struct{ Title string }
	if err := json.Unmarshal(v, &acts); err != nil || len(acts) != 1 || acts[0].Title != "Miraflores" {
		t.Errorf("activities = %s (%v)", v, err)
	}
	if _, ok := attribute(t, s, cusco, "activities"); ok {
		t.Error("empty extraction must not be stored")
	}
}

func TestRun_CityObjectJobs(t *testing.T) {
	tests := []struct {
		job       string
		attribute string
		answer    string
		check     func(t *testing.T, v json.RawMessage)
		wantFail  bool
	}{
		{
			job:       "best-months",
			attribute: "bestMonths",
			answer:    `{"months": ["May", "June"], "reason": "dry season"}`,
			check: func(t *testing.T, v json.RawMessage) {
				var got struct {
					Months []string
					Reason string
				}
				if err := json.Unmarshal(v, &got); err != nil || len(got.Months) != 2 || got.Reason != "dry season" {
					t.Errorf("bestMonths = %s", v)
				}
			},
		},
		{job: "best-months", attribute: "bestMonths", answer: `{"months": ["May"]}`, wantFail: true},
		{job: "best-months", attribute: "bestMonths", answer: `May and June`, wantFail: true},
		{
			job:       "budget",
			attribute: "costOfLiving",
			answer:    `{"city": "Lima", "cost": "$1,200 to $1,500"}`,
			check: func(t *testing.T, v json.RawMessage) {
				if string(v) != "1500" {
					t.Errorf("costOfLiving = %s, want 1500", v)
				}
			},
		},
		{job: "budget", attribute: "costOfLiving", answer: `{"city": "Lima"}`, wantFail: true},
		{
			job:       "temperature",
			attribute: "temperatures",
			answer:    "\n{\"January\": 23, \"February\": 24}\n",
			check: func(t *testing.T, v json.RawMessage) {
				var got map[string]float64
				if err := json.Unmarshal(v, &got); err != nil || got["January"] != 23 || got["February"] != 24 {
					t.Errorf("temperatures = %s", v)
				}
			},
		},
		{job: "temperature", attribute: "temperatures", answer: `{"Jan": 23}`, wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.job+"/"+tt.answer, func(t *testing.T) {
			s := openTestStore(t)
			lima := seedPlace(t, s, city("Lima", "Peru"))
			q := newFakeQuerier()
			q.texts[promptFor(t, tt.job, lima)] = tt.answer

			sum, err := NewRunner(s, q, q, 1, true).Run(context.Background(), tt.job)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(q.requests) != 1 || !q.requests[0].UseCache || q.requests[0].ExpectJSON {
				t.Errorf("requests = %+v, want one cached plain request", q.requests)
			}

			v, ok := attribute(t, s, lima, tt.attribute)
			if tt.wantFail {
				if sum.Failed != 1 || ok {
					t.Errorf("Summary = %+v, stored = %v; want failure without attribute", sum, ok)
				}
				return
			}
			if sum.Processed != 1 || !ok {
				t.Fatalf("Summary = %+v, stored = %v", sum, ok)
			}
			tt.check(t, v)
		})
	}
}

func TestRun_BackendErrorCountsFailure(t *testing.T) {
	s := openTestStore(t)
	seedPlace(t, s, city("Lima", "Peru"))
	seedPlace(t, s, city("Cusco", "Peru"))
	q := newFakeQuerier()
	q.err = errors.New("connection refused")

	sum, err := NewRunner(s, q, q, 2, true).Run(context.Background(), "budget")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum != (Summary{Failed: 2}) {
		t.Errorf("Summary = %+v, want both places failed", sum)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	s := openTestStore(t)
	q := newFakeQuerier()
	q.delay = 20 * time.Millisecond
	for i := 0; i < 8; i++ {
		c := seedPlace(t, s, city(fmt.Sprintf("City%d", i), "Peru"))
		q.texts[promptFor(t, "temperature", c)] = `{"January": 20}`
	}

	sum, err := NewRunner(s, q, q, 3, true).Run(context.Background(), "temperature")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 8 {
		t.Errorf("Summary = %+v, want 8 processed", sum)
	}
	if q.maxInFlight > 3 {
		t.Errorf("max in flight = %d, want <= 3", q.maxInFlight)
	}
}

func TestRun_Cancelled(t *testing.T) {
	s := openTestStore(t)
	seedPlace(t, s, city("Lima", "Peru"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := newFakeQuerier()
	if _, err := NewRunner(s, q, q, 1, true).Run(ctx, "temperature"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
