package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
)

// ErrNoFileFormats is returned when a record's fileFormats cannot be decoded.
var ErrNoFileFormats = errors.New("record has unreadable fileFormats")

type fileFormat struct {
	FileURL string `json:"fileUrl"`
}

// PerformAttachmentJob fetches the record at rawURL, reads its fileFormats link
// list and downloads every link in order.
func (w *Worker) PerformAttachmentJob(ctx context.Context, rawURL string) ([]harvest.Attachment, []string, error) {
	record, err := w.fetchRecord(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	links, err := ExtractFileLinks(record)
	if err != nil {
		return nil, nil, err
	}

	attachments := make([]harvest.Attachment, 0, len(links))
	names := make(map[string]struct{}, len(links))
	for i, link := range links {
		resp, err := w.fetcher.Get(ctx, link)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch attachment %s: %w", link, err)
		}
		if resp.Rejection != nil {
			return nil, nil, fmt.Errorf("fetch attachment %s: %w", link, resp.Rejection)
		}
		attachments = append(attachments, harvest.Attachment{
			Tag:     harvest.AttachmentTag,
			Name:    harvest.UniqueName(names, attachmentName(link, i), i),
			Content: resp.Body,
		})
		w.logger.Debug("attachment fetched", zap.String("url", link), zap.Int("bytes", len(resp.Body)))
	}
	metrics.ObserveAttachments(len(attachments))
	return attachments, links, nil
}

// ExtractFileLinks returns the attachment URLs listed in data.attributes.fileFormats.
// The field may hold the list directly or as a JSON-encoded string; entries may be
// URL strings or objects with a fileUrl member. A missing or null field yields no links.
func ExtractFileLinks(record []byte) ([]string, error) {
	var doc struct {
		Data struct {
			Attributes struct {
				FileFormats json.RawMessage `json:"fileFormats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(record, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFileFormats, err)
	}
	raw := bytes.TrimSpace(doc.Data.Attributes.FileFormats)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoFileFormats, err)
		}
		raw = bytes.TrimSpace([]byte(encoded))
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFileFormats, err)
	}
	links := make([]string, 0, len(entries))
	for _, entry := range entries {
		var link string
		if err := json.Unmarshal(entry, &link); err != nil {
			var format fileFormat
			if err := json.Unmarshal(entry, &format); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrNoFileFormats, err)
			}
			link = format.FileURL
		}
		if link == "" {
			continue
		}
		links = append(links, link)
	}
	return links, nil
}

func attachmentName(link string, index int) string {
	if u, err := url.Parse(link); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "attachment_" + strconv.Itoa(index)
}

func attachmentSummary(links []string) json.RawMessage {
	if links == nil {
		links = []string{}
	}
	data, err := json.Marshal(map[string][]string{"attachments": links})
	if err != nil {
		return harvest.ErrorPayload(err)
	}
	return data
}
