// Package webhookconf owns the webhook configuration file: parsing,
// validation, atomic rewrites, timestamped backups, and lookups keyed by
// (service, token).
//
// The on-disk format is a single file with a [webhooks] section containing
// one record per line:
//
//	[webhooks]
//	github_q31G...Xk|org:42|action,repository{name}|PR $action$ on $repository.name$
//
// Two legacy line forms are still read: "<service>_<token> = <fields>::<template>"
// (no alignment) and "<service> = <fields>::<template>" (no token, treated as
// the synthetic token "legacy"). Both are rewritten in the canonical form on
// the first write; the bare token-less key is never reissued.
package webhookconf

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"go.skia.org/genhook/go/extract"
	"go.skia.org/genhook/go/render"
	"go.skia.org/genhook/go/token"
	"go.skia.org/infra/go/skerr"
)

// LegacyToken is the synthetic token assigned to records read from
// token-less legacy configuration lines.
const LegacyToken = "legacy"

var (
	// ErrNotFound is returned by lookups for an unknown (service, token)
	// pair. Its message never includes the token.
	ErrNotFound = errors.New("webhook configuration not found")

	// ErrTokenCollision is returned when a write would bind a token that
	// is already bound elsewhere in the store.
	ErrTokenCollision = errors.New("token already in use")

	// ErrBadConfig is the root cause of all structural validation and
	// parse failures.
	ErrBadConfig = errors.New("invalid webhook configuration")
)

var (
	serviceRE   = regexp.MustCompile(`^[a-z0-9_-]+$`)
	alignmentRE = regexp.MustCompile(`^(org|device):[0-9]+$`)
)

// Record is one webhook configuration: the service it applies to, the URL
// token that authenticates it, the downstream routing hint, the
// field-pattern expression, and the message template.
type Record struct {
	Service   string `json:"service"`
	Token     string `json:"token"`
	Alignment string `json:"alignment"`
	Fields    string `json:"fields"`
	Template  string `json:"template"`
}

// Key returns the on-disk record key, "<service>_<token>".
func (r Record) Key() string {
	return r.Service + "_" + r.Token
}

// Line returns the canonical on-disk form of the record.
func (r Record) Line() string {
	return r.Key() + "|" + r.Alignment + "|" + r.Fields + "|" + r.Template
}

// AlignedResource renders the record's alignment as the resource path sent
// to the sink: /api/organization/<id> for "org:<id>", /api/device/<id> for
// "device:<id>", and /api/organization/0 when the alignment is empty.
func (r Record) AlignedResource() string {
	switch {
	case strings.HasPrefix(r.Alignment, "org:"):
		return "/api/organization/" + strings.TrimPrefix(r.Alignment, "org:")
	case strings.HasPrefix(r.Alignment, "device:"):
		return "/api/device/" + strings.TrimPrefix(r.Alignment, "device:")
	default:
		return "/api/organization/0"
	}
}

// Validate checks everything enforced at write time: the service name, the
// token shape, the alignment form, and that fields and template parse.
// Fields may not contain '|' and neither fields nor template may contain a
// newline, since either would corrupt the line-oriented file format.
func (r Record) Validate() error {
	if !serviceRE.MatchString(r.Service) {
		return skerr.Wrapf(ErrBadConfig, "service name %q must match %s", r.Service, serviceRE)
	}
	if r.Token != LegacyToken && !token.IsWellFormed(r.Token) {
		return skerr.Wrapf(ErrBadConfig, "token must be %d alphanumeric characters", token.Length)
	}
	if r.Alignment != "" && !alignmentRE.MatchString(r.Alignment) {
		return skerr.Wrapf(ErrBadConfig, "alignment %q must be empty, org:<id> or device:<id>", r.Alignment)
	}
	if strings.ContainsAny(r.Fields, "|\r\n") {
		return skerr.Wrapf(ErrBadConfig, "fields expression must not contain '|' or newlines")
	}
	if strings.ContainsAny(r.Template, "\r\n") {
		return skerr.Wrapf(ErrBadConfig, "template must not contain newlines")
	}
	if _, err := extract.ParsePatterns(r.Fields); err != nil {
		return err
	}
	if err := render.Validate(r.Template); err != nil {
		return err
	}
	return nil
}

// parseRecords parses the full contents of a webhook configuration file.
// Lines outside the [webhooks] section, blank lines and #/; comments are
// ignored. Duplicate (service, token) pairs fail with ErrBadConfig rather
// than guessing which line wins.
func parseRecords(data string) ([]Record, error) {
	var recs []Record
	seen := map[string]bool{}
	inWebhooks := false
	for i, raw := range strings.Split(data, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			inWebhooks = trimmed == "[webhooks]"
			continue
		}
		if !inWebhooks {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, skerr.Wrapf(err, "line %d", i+1)
		}
		if seen[rec.Key()] {
			return nil, skerr.Wrapf(ErrBadConfig, "duplicate configuration for service %q at line %d", rec.Service, i+1)
		}
		seen[rec.Key()] = true
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

// parseLine parses one record line, canonical or legacy. The template keeps
// its exact bytes: in the canonical form it is everything after the third
// '|', so templates may themselves contain pipes.
func parseLine(line string) (Record, error) {
	pipe := strings.Index(line, "|")
	eq := strings.Index(line, "=")
	if pipe >= 0 && (eq < 0 || pipe < eq) {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return Record{}, skerr.Wrapf(ErrBadConfig, "expected service_token|alignment|fields|template")
		}
		service, tok := splitKey(strings.TrimSpace(parts[0]))
		return Record{
			Service:   service,
			Token:     tok,
			Alignment: strings.TrimSpace(parts[1]),
			Fields:    strings.TrimSpace(parts[2]),
			Template:  parts[3],
		}, nil
	}
	if eq >= 0 {
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		sep := strings.Index(value, "::")
		if sep < 0 {
			return Record{}, skerr.Wrapf(ErrBadConfig, "legacy line missing '::' separator")
		}
		service, tok := splitKey(key)
		return Record{
			Service:  service,
			Token:    tok,
			Fields:   strings.TrimSpace(value[:sep]),
			Template: value[sep+2:],
		}, nil
	}
	return Record{}, skerr.Wrapf(ErrBadConfig, "unrecognized configuration line")
}

// splitKey splits an on-disk record key into service and token. The suffix
// after the last underscore is the token when it has the shape of a minted
// token or is the literal "legacy"; any other key is a token-less legacy
// service name.
func splitKey(key string) (string, string) {
	if i := strings.LastIndex(key, "_"); i > 0 {
		suffix := key[i+1:]
		if suffix == LegacyToken || token.IsWellFormed(suffix) {
			return key[:i], suffix
		}
	}
	return key, LegacyToken
}

// serializeRecords renders the canonical file contents for recs, which must
// already be sorted.
func serializeRecords(recs []Record) string {
	var b strings.Builder
	b.WriteString("[webhooks]\n")
	for _, r := range recs {
		b.WriteString(r.Line())
		b.WriteString("\n")
	}
	return b.String()
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Service != recs[j].Service {
			return recs[i].Service < recs[j].Service
		}
		return recs[i].Token < recs[j].Token
	})
}
