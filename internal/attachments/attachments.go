// Package attachments turns data-URI attachments into files on local disk.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/domain"
)

// Materializer writes each run's attachments into its own directory under Dir.
type Materializer struct {
	Dir   string
	NewID func() string
}

func New(dir string) *Materializer {
	return &Materializer{Dir: dir, NewID: uuid.NewString}
}

// Materialize decodes every attachment it can. Failures are logged and skipped;
// the returned error joins them and never hides the successes.
func (m *Materializer) Materialize(ctx context.Context, atts []domain.Attachment) ([]domain.SavedAttachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	newID := m.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	runDir := filepath.Join(m.Dir, newID())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	var (
		saved []domain.SavedAttachment
		errs  []error
		used  = map[string]bool{}
	)
	for _, att := range atts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		s, err := m.save(runDir, att, used)
		if err != nil {
			log.WithError(err).WithField("attachment", att.Name).Warn("attachment skipped")
			errs = append(errs, fmt.Errorf("%s: %w", att.Name, err))
			continue
		}
		saved = append(saved, s)
	}
	return saved, errors.Join(errs...)
}

func (m *Materializer) save(runDir string, att domain.Attachment, used map[string]bool) (domain.SavedAttachment, error) {
	name := SanitizeName(att.Name)
	if name == "" {
		return domain.SavedAttachment{}, fmt.Errorf("empty attachment name")
	}
	mediaType, data, err := DecodeDataURI(att.URL)
	if err != nil {
		return domain.SavedAttachment{}, err
	}
	if unique := uniqueName(name, used); unique != name {
		log.WithFields(log.Fields{"attachment": att.Name, "saved_as": unique}).Warn("attachment name collision")
		name = unique
	}
	used[name] = true
	if mediaType == "" {
		mediaType = DetectMIME(name, data)
	}
	target := filepath.Join(runDir, name)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return domain.SavedAttachment{}, err
	}
	return domain.SavedAttachment{Name: name, Path: target, MIME: mediaType}, nil
}

// uniqueName returns name, or name with a -2, -3, ... suffix before the
// extension when an earlier attachment already took it.
func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if !used[candidate] {
			return candidate
		}
	}
}

// ReadFile returns the decoded bytes of a saved attachment.
func ReadFile(att domain.SavedAttachment) ([]byte, error) {
	return os.ReadFile(att.Path)
}

// DecodeDataURI parses data:[<mediatype>][;base64],<payload>. The returned media
// type has its parameters stripped and is empty when the URI names none.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URI has no payload separator")
	}
	params := strings.Split(header, ";")
	isBase64 := false
	if n := len(params); n > 0 && strings.EqualFold(params[n-1], "base64") {
		isBase64 = true
		params = params[:n-1]
	}
	mediaType := ""
	if len(params) > 0 && params[0] != "" {
		mediaType = strings.ToLower(strings.TrimSpace(params[0]))
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(payload), "="))
			if err != nil {
				return "", nil, fmt.Errorf("decode base64 payload: %w", err)
			}
		}
		return mediaType, data, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode payload: %w", err)
	}
	return mediaType, []byte(text), nil
}

// DetectMIME guesses a media type from the file extension, then the content.
func DetectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		mt, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mt
		}
		return t
	}
	mt, _, err := mime.ParseMediaType(mimetype.Detect(data).String())
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

// SanitizeName keeps only the final path element so a name can never escape
// the run directory.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	switch base {
	case ".", "/", "..":
		return ""
	}
	return base
}
