package prompts

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Attachment limits.
const (
	MaxAttachments       = 8
	MaxAttachmentBytes   = 6 << 20  // 6 MiB each
	MaxAttachmentsTotal  = 20 << 20 // 20 MiB across a prompt
	attachmentDirInDrone = "/work/attachments"
)

// Attachment is an inline file sent with a prompt.
type Attachment struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	Data string `json:"data"` // base64
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFilename strips path components and unsafe characters.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "attachment"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

// decodedAttachment is an attachment validated and decoded to bytes.
type decodedAttachment struct {
	Name string
	Data []byte
}

// validateAttachments enforces the count/size/mime constraints and produces
// deduplicated sanitized filenames.
func validateAttachments(atts []Attachment) ([]decodedAttachment, error) {
	if len(atts) > MaxAttachments {
		return nil, fmt.Errorf("at most %d attachments are allowed", MaxAttachments)
	}

	seen := map[string]int{}
	total := 0
	out := make([]decodedAttachment, 0, len(atts))
	for _, a := range atts {
		if !strings.HasPrefix(a.Mime, "image/") {
			return nil, fmt.Errorf("attachment %q: only image/* attachments are supported", a.Name)
		}
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: invalid base64: %w", a.Name, err)
		}
		if len(data) > MaxAttachmentBytes {
			return nil, fmt.Errorf("attachment %q exceeds %d bytes", a.Name, MaxAttachmentBytes)
		}
		total += len(data)
		if total > MaxAttachmentsTotal {
			return nil, fmt.Errorf("attachments exceed %d bytes total", MaxAttachmentsTotal)
		}

		name := sanitizeFilename(a.Name)
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			ext := filepath.Ext(name)
			name = strings.TrimSuffix(name, ext) + fmt.Sprintf("-%d", n+1) + ext
		} else {
			seen[name] = 1
		}
		out = append(out, decodedAttachment{Name: name, Data: data})
	}
	return out, nil
}

// writeAttachmentsTemp writes decoded attachments into a fresh host temp dir
// with mode 0600. The caller removes the directory when done.
func writeAttachmentsTemp(atts []decodedAttachment) (string, error) {
	dir, err := os.MkdirTemp("", "drone-hub-att-*")
	if err != nil {
		return "", fmt.Errorf("create attachment temp dir: %w", err)
	}
	for _, a := range atts {
		if err := os.WriteFile(filepath.Join(dir, a.Name), a.Data, 0o600); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("write attachment %s: %w", a.Name, err)
		}
	}
	return dir, nil
}

// attachmentFooter appends a deterministic listing of attached files so the
// agent knows where to find them.
func attachmentFooter(prompt string, atts []decodedAttachment) string {
	if len(atts) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached files (saved in ")
	b.WriteString(attachmentDirInDrone)
	b.WriteString("):\n")
	for _, a := range atts {
		b.WriteString("- ")
		b.WriteString(attachmentDirInDrone)
		b.WriteString("/")
		b.WriteString(a.Name)
		b.WriteString("\n")
	}
	return b.String()
}
