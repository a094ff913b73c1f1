package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"casvault/internal/format"
	"casvault/internal/models"
)

var (
	outputFormatter format.Formatter = format.JSONFormatter{}
	stdout          io.Writer        = os.Stdout
	stdin           io.Reader        = os.Stdin
)

func writeStructured(payload any) error {
	return outputFormatter.Write(stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(stdout, format, args...)
	return err
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeStoreResult(res models.StoreResult) error {
	if res.NewBlob() {
		return writePlain("stored %s (%s)\n", res.Hash, formatBytes(res.Size))
	}
	return writePlain("exists %s (saved %s, refs=%s)\n", res.Hash, formatBytes(res.SavedBytes), humanize.Comma(res.RefCount))
}

func writeBlobDetail(blob models.Blob) error {
	lines := []string{
		fmt.Sprintf("hash: %s", blob.Hash),
		fmt.Sprintf("size: %s (%d bytes)", formatBytes(blob.Size), blob.Size),
		fmt.Sprintf("ref_count: %d", blob.RefCount),
	}
	if blob.ContentType != "" {
		lines = append(lines, fmt.Sprintf("content_type: %s", blob.ContentType))
	}
	lines = append(lines,
		fmt.Sprintf("created_at: %s (%s)", formatTime(blob.CreatedAt), humanize.Time(blob.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(blob.UpdatedAt)),
	)
	for _, line := range lines {
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func writeStats(stats models.Stats) error {
	return writePlain("blobs: %s\nstored: %s\nreferenced: %s\nsaved: %s\ndedup_ratio: %.2fx\n",
		humanize.Comma(stats.TotalBlobs),
		formatBytes(stats.TotalBytesStored),
		formatBytes(stats.TotalBytesReferenced),
		formatBytes(stats.BytesSaved),
		stats.DedupRatio,
	)
}

func writeIssues(issues []models.IntegrityIssue) error {
	for _, issue := range issues {
		line := fmt.Sprintf("%s %s", issue.Kind, issue.Hash)
		if issue.Detail != "" {
			line += ": " + issue.Detail
		}
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}
