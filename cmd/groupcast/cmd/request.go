package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"groupcast/internal/config"
	"groupcast/internal/jobs"
	"groupcast/internal/orchestrator"
	"groupcast/internal/posting"
)

// requestFile is the on-disk form of a run. JSON files parse too, since
// YAML is a superset for the documents we accept.
type requestFile struct {
	Identity     string       `yaml:"identity"`
	Mode         string       `yaml:"mode"`
	Tier         string       `yaml:"tier"`
	CaptionStyle string       `yaml:"caption_style"`
	Cooldown     string       `yaml:"cooldown"`
	ComposeRef   string       `yaml:"compose_ref"`
	ProbeRef     string       `yaml:"probe_ref"`
	MediaRefs    []string     `yaml:"media_refs"`
	Subject      subjectFile  `yaml:"subject"`
	Targets      []targetFile `yaml:"targets"`
}

type subjectFile struct {
	ID         string            `yaml:"id"`
	Title      string            `yaml:"title"`
	Body       string            `yaml:"body"`
	Attributes map[string]string `yaml:"attributes"`
	MediaRefs  []string          `yaml:"media_refs"`
}

type targetFile struct {
	ID             string `yaml:"id"`
	DisplayName    string `yaml:"display_name"`
	DestinationRef string `yaml:"destination_ref"`
}

func loadRequest(path string) (orchestrator.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	req, err := parseRequest(data)
	if err != nil {
		return orchestrator.RunRequest{}, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}

func parseRequest(data []byte) (orchestrator.RunRequest, error) {
	var f requestFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return orchestrator.RunRequest{}, errors.New("empty request")
		}
		return orchestrator.RunRequest{}, err
	}

	mode, err := posting.ParseMode(f.Mode)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	cooldown, err := config.ParseDurationField("cooldown", f.Cooldown)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	subject := posting.Subject{
		ID:         f.Subject.ID,
		Title:      f.Subject.Title,
		Body:       f.Subject.Body,
		Attributes: f.Subject.Attributes,
		MediaRefs:  f.Subject.MediaRefs,
	}
	req := orchestrator.RunRequest{
		Identity:     f.Identity,
		Subject:      subject,
		MediaRefs:    f.MediaRefs,
		Tier:         f.Tier,
		Mode:         mode,
		CaptionStyle: f.CaptionStyle,
		Cooldown:     cooldown,
		ComposeRef:   f.ComposeRef,
		ProbeRef:     f.ProbeRef,
	}
	for _, t := range f.Targets {
		req.Targets = append(req.Targets, posting.Target{ID: t.ID, DisplayName: t.DisplayName, DestinationRef: t.DestinationRef})
	}
	return req, nil
}

func payloadOf(req orchestrator.RunRequest) jobs.Payload {
	return jobs.Payload{
		Subject:      req.Subject,
		Targets:      req.Targets,
		MediaRefs:    req.MediaRefs,
		Tier:         req.Tier,
		CaptionStyle: req.CaptionStyle,
		Cooldown:     req.Cooldown,
		ComposeRef:   req.ComposeRef,
		ProbeRef:     req.ProbeRef,
	}
}

// parseAt accepts RFC 3339, "2006-01-02 15:04" in loc, or "+90m" relative
// to now. Empty means zero.
func parseAt(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid relative time %q", raw)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339, \"YYYY-MM-DD HH:MM\" or +duration)", raw)
}
