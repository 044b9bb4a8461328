package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

// Job describes one batch step over the place documents.
type Job struct {
	Name        string
	Description string
	// Source is the place kind iterated. Empty means the job runs once.
	Source string
	// Attribute is the key written on each source place. Places that
	// already carry it are skipped.
	Attribute string
	Template  string
	// NoCache bypasses the answer cache even when the runner uses it.
	NoCache bool

	run func(ctx context.Context, r *Runner, t task) error
}

var errNoAnswer = errors.New("no usable answer")

var catalog = []Job{
	{
		Name:        "countries",
		Description: "Seed country places from a list of the best travel countries",
		Template: "Give me a list of the 50 best countries for traveling. Return the list as JSON array with string values.\n" +
			"Make sure the response is valid JSON.",
		run: runCountries,
	},
	{
		Name:        "cities",
		Description: "Add the best cities of every country as city places",
		Source:      storage.KindCountry,
		Template: "What are the 10 best cities to visit in %COUNTRY%. Return the result as JSON array. " +
			"Each value should be a string. Make sure the result is valid JSON.",
		run: runCities,
	},
	{
		Name:        "description",
		Description: "Write a travel description for every country",
		Source:      storage.KindCountry,
		Attribute:   "description",
		Template:    "Give a 200 word description why %COUNTRY% is a good travel location.",
		NoCache:     true,
		run:         runDescription,
	},
	{
		Name:        "activities",
		Description: "List the best things to do in every city",
		Source:      storage.KindCity,
		Attribute:   "activities",
		Template: "What are the 10 best things to do in %CITY%, %COUNTRY%. Return the result as JSON array. " +
			"Each value should be an object with the keys title, description and location. " +
			"description describes the place and why you would enjoy going there. description is 50 to 100 words long. " +
			"location is the term that can be searched on google maps to find the related place. " +
			"Make sure the response is valid JSON.",
		run: runActivities,
	},
	{
		Name:        "best-months",
		Description: "Find the best months to travel to every city",
		Source:      storage.KindCity,
		Attribute:   "bestMonths",
		Template: "What are the best months to travel to %CITY%, %COUNTRY%. " +
			"Return the response as an JSON object with the keys 'months' and 'reason'. " +
			"'months' is an array of strings with the months that are best to travel to %CITY%. " +
			"'reason' is an explanation why these are the best months to travel to %CITY%.",
		run: runBestMonths,
	},
	{
		Name:        "budget",
		Description: "Estimate the monthly cost of living in every city",
		Source:      storage.KindCity,
		Attribute:   "costOfLiving",
		Template: "What's the average monthly cost of living in %CITY%, %COUNTRY%. " +
			"Return the response as JSON, with the keys city and cost, where cost is the average cost of living in USD!",
		run: runBudget,
	},
	{
		Name:        "temperature",
		Description: "Collect the average temperature per month for every city",
		Source:      storage.KindCity,
		Attribute:   "temperatures",
		Template: "What is the average temperature for each month in %CITY%, %COUNTRY%. " +
			"Return the response as an JSON object where the keys are each month and the values are " +
			"the average temperature in this month in degree celsius. Make sure the response is valid JSON.",
		run: runTemperature,
	},
}

// Catalog returns the available jobs in the order they are meant to run.
func Catalog() []Job {
	out := make([]Job, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the job with the given name.
func Lookup(name string) (Job, bool) {
	for _, j := range catalog {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

func runCountries(ctx context.Context, r *Runner, t task) error {
	items, err := r.extractList(ctx, t)
	if err != nil {
		return err
	}
	created := 0
	for i, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err != nil || name == "" {
			r.logger.Warn("skipping country that is not a string", "index", i)
			continue
		}
		ok, err := r.places.CreatePlace(ctx, storage.Place{Kind: storage.KindCountry, Name: name})
		if err != nil {
			return fmt.Errorf("creating country %q: %w", name, err)
		}
		if ok {
			created++
		}
	}
	r.logger.Info("countries seeded", "created", created, "answered", len(items))
	return nil
}

func runCities(ctx context.Context, r *Runner, t task) error {
	country := t.place
	items, err := r.extractList(ctx, t)
	if err != nil {
		return err
	}
	for i, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err != nil {
			return fmt.Errorf("city %d of %s is not a string", i, country.Name)
		}
		if _, err := r.places.CreatePlace(ctx, storage.Place{Kind: storage.KindCity, Name: name, Parent: country.Name}); err != nil {
			return fmt.Errorf("creating city %q: %w", name, err)
		}
	}
	return nil
}

func runDescription(ctx context.Context, r *Runner, t task) error {
	country := t.place
	res, err := r.exec.Execute(ctx, query.Request{Prompt: t.prompt, UseCache: t.useCache})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return errNoAnswer
	}
	return r.setAttribute(ctx, country, "description", text)
}

func runActivities(ctx context.Context, r *Runner, t task) error {
	city := t.place
	items, err := r.extractList(ctx, t)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errNoAnswer
	}
	return r.setAttribute(ctx, city, "activities", items)
}

func runBestMonths(ctx context.Context, r *Runner, t task) error {
	city := t.place
	var answer struct {
		Months []string `json:"months"`
		Reason string   `json:"reason"`
	}
	if err := r.answerObject(ctx, t, &answer); err != nil {
		return err
	}
	if len(answer.Months) == 0 || answer.Reason == "" {
		return fmt.Errorf("%w: months or reason missing", errNoAnswer)
	}
	return r.setAttribute(ctx, city, "bestMonths", answer)
}

func runBudget(ctx context.Context, r *Runner, t task) error {
	city := t.place
	var answer struct {
		City string          `json:"city"`
		Cost json.RawMessage `json:"cost"`
	}
	if err := r.answerObject(ctx, t, &answer); err != nil {
		return err
	}
	if len(answer.Cost) == 0 {
		return fmt.Errorf("%w: cost missing", errNoAnswer)
	}
	cost, err := parseCost(answer.Cost)
	if err != nil {
		return err
	}
	return r.setAttribute(ctx, city, "costOfLiving", cost)
}

func runTemperature(ctx context.Context, r *Runner, t task) error {
	city := t.place
	var months map[string]json.RawMessage
	if err := r.answerObject(ctx, t, &months); err != nil {
		return err
	}
	if _, ok := months["January"]; !ok {
		return fmt.Errorf("%w: January missing", errNoAnswer)
	}
	return r.setAttribute(ctx, city, "temperatures", months)
}
