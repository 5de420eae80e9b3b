package leanix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	exportType = "SNAPSHOT"

	jobStatusDone         = "DONE"
	exportStatusCompleted = "COMPLETED"

	// downloadChunkSize is the copy buffer size for streaming the
	// snapshot archive to disk.
	downloadChunkSize = 1024
)

// Outcome classifies how a snapshot export ended. Only fatal transport
// and API failures during trigger, poll and metadata lookup surface as
// errors; everything else is an Outcome so the caller can tell a
// timeout from an incomplete export from a failed download.
type Outcome int

const (
	// OutcomeCompleted means the archive was written to disk.
	OutcomeCompleted Outcome = iota
	// OutcomeTimedOut means the job never reached DONE within the
	// configured timeout.
	OutcomeTimedOut
	// OutcomeNotCompleted means the job reached DONE but the export
	// record's status was not COMPLETED.
	OutcomeNotCompleted
	// OutcomeDownloadFailed means the binary download itself failed
	// with an API error.
	OutcomeDownloadFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeNotCompleted:
		return "not completed"
	case OutcomeDownloadFailed:
		return "download failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SnapshotResult reports the outcome of one snapshot export.
type SnapshotResult struct {
	Outcome      Outcome
	JobID        string
	WorkspaceID  string
	ExportStatus string // export record status when not COMPLETED
	File         string // written archive path when completed
}

type triggerExportResponse struct {
	Data struct {
		JobID string `json:"jobId"`
	} `json:"data"`
}

type jobStatusResponse struct {
	Data struct {
		Status      string `json:"status"`
		WorkspaceID string `json:"workspaceId"`
		Processed   int    `json:"processed"`
		Total       int    `json:"total"`
	} `json:"data"`
}

type exportListResponse struct {
	Data []struct {
		Status      string `json:"status"`
		DownloadKey string `json:"downloadKey"`
	} `json:"data"`
}

// TakeSnapshot triggers a full export of the workspace, waits for the
// job to finish and downloads the resulting archive.
//
// The returned error is non-nil only for failures of the trigger, the
// status polling or the export record lookup; those abort the whole
// run. Timeout, an incomplete export record and download failures are
// reported through SnapshotResult.Outcome with a nil error so the
// caller can continue with the survey downloads.
func (c *Client) TakeSnapshot(ctx context.Context) (*SnapshotResult, error) {
	log.Info().Msg("Creating snapshot")

	var trigger triggerExportResponse
	params := url.Values{"exportType": {exportType}}
	if err := c.postJSON(ctx, pathfinderBase+"/exports/fullExport", params, &trigger); err != nil {
		return nil, fmt.Errorf("trigger export: %w", err)
	}
	jobID := trigger.Data.JobID
	if jobID == "" {
		return nil, fmt.Errorf("trigger export: no jobId in response")
	}
	log.Info().Str("jobId", jobID).Msg("Export job triggered, waiting for completion")

	result := &SnapshotResult{JobID: jobID}

	statusPath := pathfinderBase + "/jobs/" + jobID + "/status"
	var (
		status      string
		workspaceID string
		elapsed     time.Duration
	)
	for status != jobStatusDone && elapsed < c.pollTimeout {
		// Refresh the token first: the export can outlive the
		// bearer token obtained at startup.
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}

		var js jobStatusResponse
		if err := c.getJSON(ctx, statusPath, nil, &js); err != nil {
			return nil, fmt.Errorf("job status: %w", err)
		}
		status = js.Data.Status
		workspaceID = js.Data.WorkspaceID
		log.Info().
			Str("jobId", jobID).
			Str("status", status).
			Int("processed", js.Data.Processed).
			Int("total", js.Data.Total).
			Msg("Export job progress")

		// Elapsed time advances by the poll interval, not by the
		// wall clock; a slow status call does not count against
		// the timeout.
		elapsed += c.pollInterval
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	if status != jobStatusDone {
		log.Error().Str("jobId", jobID).Dur("timeout", c.pollTimeout).Msg("Timeout exceeded, snapshot not completed")
		result.Outcome = OutcomeTimedOut
		return result, nil
	}
	result.WorkspaceID = workspaceID

	// The completed job does not carry the download key; look up the
	// newest export record for it.
	listParams := url.Values{
		"exportType":    {exportType},
		"pageSize":      {"1"},
		"sorting":       {"createdAt"},
		"sortDirection": {"DESC"},
	}
	var list exportListResponse
	if err := c.getJSON(ctx, pathfinderBase+"/exports", listParams, &list); err != nil {
		return nil, fmt.Errorf("export record lookup: %w", err)
	}
	if len(list.Data) == 0 {
		return nil, fmt.Errorf("export record lookup: empty result")
	}
	record := list.Data[0]
	result.ExportStatus = record.Status

	if record.Status != exportStatusCompleted {
		log.Error().Str("jobId", jobID).Str("status", record.Status).Msg("Snapshot not completed")
		result.Outcome = OutcomeNotCompleted
		return result, nil
	}

	log.Info().Str("jobId", jobID).Msg("Snapshot completed, downloading")
	filename := resolveFilename(c.exportFilename, c.now(), nil)
	if err := c.downloadExport(ctx, workspaceID, record.DownloadKey, filename); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			log.Error().Err(err).Msg("Error while downloading snapshot")
			result.Outcome = OutcomeDownloadFailed
			return result, nil
		}
		return nil, err
	}

	log.Info().Str("file", filename).Msg("Snapshot saved")
	result.Outcome = OutcomeCompleted
	result.File = filename
	return result, nil
}

// downloadExport streams the export archive for workspaceID to filename.
// The download endpoint requires the one-time key and an octet-stream
// Accept header.
func (c *Client) downloadExport(ctx context.Context, workspaceID, key, filename string) error {
	params := url.Values{"key": {key}}
	resp, err := c.call(ctx, http.MethodGet,
		pathfinderBase+"/exports/downloads/"+workspaceID, params, nil, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}

	buf := make([]byte, downloadChunkSize)
	if _, err := io.CopyBuffer(f, resp.Body, buf); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filename, err)
	}
	return nil
}
