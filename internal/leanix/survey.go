package leanix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/rs/zerolog/log"
)

// idListResponse is the shape shared by the poll and pollRun listings.
type idListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// DownloadSurveys enumerates all surveys of the workspace, then every
// run of every survey, and downloads each run's result spreadsheet to a
// file named by the survey filename template.
//
// The first failing call aborts the whole method; files written before
// the failure stay on disk. Returns the number of files written.
func (c *Client) DownloadSurveys(ctx context.Context) (int, error) {
	log.Info().Msg("Downloading surveys")

	params := url.Values{"workspaceId": {c.workspaceID}}

	var surveys idListResponse
	if err := c.getJSON(ctx, pollBase+"/polls", params, &surveys); err != nil {
		return 0, fmt.Errorf("list surveys: %w", err)
	}

	written := 0
	for _, survey := range surveys.Data {
		var runs idListResponse
		if err := c.getJSON(ctx, pollBase+"/polls/"+survey.ID+"/pollRuns", params, &runs); err != nil {
			return written, fmt.Errorf("list runs of survey %s: %w", survey.ID, err)
		}

		for _, run := range runs.Data {
			log.Info().Str("survey", survey.ID).Str("run", run.ID).Msg("Downloading survey run results")
			if err := c.downloadRunResult(ctx, survey.ID, run.ID, params); err != nil {
				return written, fmt.Errorf("survey %s run %s: %w", survey.ID, run.ID, err)
			}
			written++
		}
	}

	log.Info().Int("files", written).Msg("Survey download complete")
	return written, nil
}

// downloadRunResult fetches the result spreadsheet of one poll run and
// writes it to the templated filename.
func (c *Client) downloadRunResult(ctx context.Context, surveyID, runID string, params url.Values) error {
	resp, err := c.call(ctx, http.MethodGet, pollBase+"/pollRuns/"+runID+"/poll_results.xlsx", params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}

	filename := resolveFilename(c.surveyFilename, c.now(), map[string]string{
		"id":  surveyID,
		"run": runID,
	})
	if err := os.WriteFile(filename, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	log.Debug().Str("file", filename).Int("bytes", len(content)).Msg("Survey run results saved")
	return nil
}
