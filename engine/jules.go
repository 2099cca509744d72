package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/retry"
)

const (
	julesAPIBase       = "https://jules.googleapis.com/v1alpha"
	julesPollInterval  = 10 * time.Second
	julesMaxLogLength  = 1000
	julesSessionPrefix = "https://jules.google.com/session/"
)

// Jules drives the remote Jules agent over its HTTP API: it creates (or
// resumes) a session, polls activities until completion, and applies any
// returned patch locally. The session handle is persisted in the session
// store keyed by stage, so a killed run resumes the same remote session
// instead of starting a duplicate.
type Jules struct {
	deps         Deps
	apiBase      string
	client       *http.Client
	pollInterval time.Duration
}

// NewJules returns the Jules API engine.
func NewJules(deps Deps) *Jules {
	return &Jules{
		deps:         deps,
		apiBase:      julesAPIBase,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: julesPollInterval,
	}
}

func (j *Jules) Name() string { return "jules" }

// RequiredTools is empty: jules is API-driven, not CLI-driven.
func (j *Jules) RequiredTools() []string { return nil }

// Verify checks the API key is configured.
func (j *Jules) Verify(ctx context.Context) error {
	if os.Getenv("JULES_API_KEY") == "" {
		return errors.New("JULES_API_KEY environment variable is not set")
	}
	return nil
}

func (j *Jules) Sanitize(text string, maxLen int) string {
	return SanitizePrompt(text, maxLen)
}

// julesHandle is the opaque per-stage state persisted in the session store.
type julesHandle struct {
	SessionName string `json:"session_name"`
	PromptHash  string `json:"prompt_hash"`
}

func sessionURL(sessionName string) string {
	parts := strings.Split(sessionName, "/")
	return julesSessionPrefix + parts[len(parts)-1]
}

// Invoke creates or resumes a remote session for the prompt and blocks until
// it completes, streaming activity summaries to the event log.
func (j *Jules) Invoke(ctx context.Context, prompt string, opts cascade.InvokeOptions) (string, error) {
	if j.deps.Events != nil && opts.Stage != "" {
		if err := j.deps.Events.Prompt(opts.Stage, prompt); err != nil {
			return "", err
		}
	}

	repo, err := j.deps.Git.RemoteRepo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to determine repository for jules: %w", err)
	}
	branch, err := j.deps.Git.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}

	safePrompt := j.Sanitize(prompt, 0)
	hash := sha256.Sum256([]byte(safePrompt))
	promptHash := hex.EncodeToString(hash[:])

	totalTimeout := j.deps.Config.CommandTimeout()
	if opts.TotalTimeout > 0 {
		totalTimeout = time.Duration(opts.TotalTimeout) * time.Second
	}
	inactivityTimeout := j.deps.Config.InactivityTimeout()
	if opts.InactivityTimeout > 0 {
		inactivityTimeout = time.Duration(opts.InactivityTimeout) * time.Second
	}

	sessionName := j.resumableSession(ctx, opts.Stage, promptHash)
	if sessionName == "" {
		// The remote agent clones the branch, so it has to exist upstream
		// before session creation. Never force-push a protected branch.
		if opts.Stage == cascade.StageCoder {
			if err := j.deps.Git.Push(ctx, "origin", branch, true); err != nil {
				return "", fmt.Errorf("failed to push branch %s for jules: %w", branch, err)
			}
		}
		sessionName, err = j.createSession(ctx, safePrompt, repo, branch)
		if err != nil {
			return "", err
		}
		j.logOutput(opts.Stage, fmt.Sprintf("Jules session created: %s\n", sessionURL(sessionName)))
		if j.deps.Store != nil && opts.Stage != "" {
			handle, _ := json.Marshal(julesHandle{SessionName: sessionName, PromptHash: promptHash})
			if err := j.deps.Store.SetEngineState("jules", opts.Stage, string(handle)); err != nil {
				return "", err
			}
		}
	} else {
		j.logOutput(opts.Stage, fmt.Sprintf("Resuming Jules session: %s\n", sessionURL(sessionName)))
	}

	status, err := j.pollSession(ctx, sessionName, opts.Stage, totalTimeout, inactivityTimeout)
	if err != nil {
		return "", err
	}

	summary := extractSummary(status)

	// The coder stage materializes the remote change locally: apply the
	// returned patch and push, or fall back to pulling commits the agent
	// may have pushed itself.
	if opts.Stage == cascade.StageCoder {
		applied, err := j.applyArtifacts(ctx, status, opts.Stage)
		if err != nil {
			return "", err
		}
		if applied {
			if err := j.deps.Git.Push(ctx, "origin", branch, true); err != nil {
				return "", err
			}
		} else if _, err := j.deps.Git.Pull(ctx); err != nil {
			return "", fmt.Errorf("failed to pull jules changes: %w", err)
		}
	}
	return summary, nil
}

// resumableSession returns a stored session handle matching the prompt, or
// "" when a new session is needed.
func (j *Jules) resumableSession(ctx context.Context, stage, promptHash string) string {
	if j.deps.Store == nil || stage == "" {
		return ""
	}
	raw := j.deps.Store.EngineState("jules", stage)
	if raw == "" {
		return ""
	}
	var handle julesHandle
	if err := json.Unmarshal([]byte(raw), &handle); err != nil {
		return ""
	}
	if handle.PromptHash != promptHash || handle.SessionName == "" {
		return ""
	}
	// Confirm the remote session still exists before reusing it.
	var probe map[string]any
	if err := j.get(ctx, "/"+handle.SessionName, &probe); err != nil {
		return ""
	}
	return handle.SessionName
}

func (j *Jules) createSession(ctx context.Context, prompt, repo, branch string) (string, error) {
	payload := map[string]any{
		"prompt": prompt,
		"sourceContext": map[string]any{
			"source": "sources/github/" + repo,
			"githubRepoContext": map[string]any{
				"startingBranch": branch,
			},
		},
	}
	var created struct {
		Name string `json:"name"`
	}
	if err := j.post(ctx, "/sessions", payload, &created); err != nil {
		return "", fmt.Errorf("jules session creation failed: %w", err)
	}
	if created.Name == "" {
		return "", errors.New("jules session creation returned no session name")
	}
	return created.Name, nil
}

// pollSession watches the remote session until it completes. New activity
// resets the inactivity clock; the total clock never resets.
func (j *Jules) pollSession(ctx context.Context, sessionName, stage string, total, inactivity time.Duration) (map[string]any, error) {
	start := time.Now()
	lastActivity := start
	seen := make(map[string]bool)
	lastSummary := ""

	for {
		now := time.Now()
		if now.Sub(start) > total {
			return nil, fmt.Errorf("jules operation timed out (total timeout: %s)", total)
		}
		if now.Sub(lastActivity) > inactivity {
			return nil, fmt.Errorf("jules operation timed out (inactivity timeout: %s)", inactivity)
		}

		var activitiesResp struct {
			Activities []map[string]any `json:"activities"`
		}
		if err := j.get(ctx, "/"+sessionName+"/activities", &activitiesResp); err != nil {
			j.deps.logger().Warn("failed to fetch jules activities", "error", err)
		} else {
			fresh := false
			for _, activity := range activitiesResp.Activities {
				id, _ := activity["id"].(string)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				fresh = true
				title, desc := describeActivity(activity)
				if msg := formatActivity(title, desc); msg != "" {
					j.logOutput(stage, msg+"\n")
				}
				lastSummary = pickSummary(lastSummary, title, desc)
			}
			if fresh {
				lastActivity = time.Now()
			}
		}

		var status map[string]any
		if err := j.get(ctx, "/"+sessionName, &status); err != nil {
			return nil, fmt.Errorf("failed to poll jules session: %w", err)
		}
		switch state, _ := status["state"].(string); state {
		case "COMPLETED":
			if lastSummary != "" && status["activities"] == nil {
				status["activities"] = []any{map[string]any{"description": lastSummary}}
			}
			return status, nil
		case "FAILED":
			return nil, fmt.Errorf("jules session %s failed", sessionURL(sessionName))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(j.pollInterval):
		}
	}
}

// describeActivity reduces one activity record to a title and description.
func describeActivity(activity map[string]any) (string, string) {
	var title, desc string
	switch {
	case activity["progressUpdated"] != nil:
		progress, _ := activity["progressUpdated"].(map[string]any)
		title, _ = progress["title"].(string)
		desc, _ = progress["description"].(string)
	case activity["planGenerated"] != nil:
		title = "Plan generated"
		generated, _ := activity["planGenerated"].(map[string]any)
		plan, _ := generated["plan"].(map[string]any)
		steps, _ := plan["steps"].([]any)
		if len(steps) > 0 {
			var lines []string
			for i, raw := range steps {
				step, _ := raw.(map[string]any)
				text := firstString(step, "description", "text")
				if text == "" {
					text = "No description"
				}
				lines = append(lines, fmt.Sprintf("%d. %s", i+1, text))
			}
			desc = fmt.Sprintf("%d steps planned:\n%s", len(steps), strings.Join(lines, "\n"))
		}
	case activity["toolCallStarted"] != nil:
		call, _ := activity["toolCallStarted"].(map[string]any)
		name, _ := call["toolName"].(string)
		title = "Tool Call: " + name
		if args := call["args"]; args != nil {
			desc = fmt.Sprintf("%v", args)
		}
	case activity["toolCallCompleted"] != nil:
		call, _ := activity["toolCallCompleted"].(map[string]any)
		name, _ := call["toolName"].(string)
		title = "Tool Call Completed: " + name
	case activity["sessionCompleted"] != nil:
		title = "Session completed"
	case activity["sessionFailed"] != nil:
		title = "Session failed"
		failed, _ := activity["sessionFailed"].(map[string]any)
		desc, _ = failed["reason"].(string)
	case activity["agentMessaged"] != nil:
		title = "Agent message"
		messaged, _ := activity["agentMessaged"].(map[string]any)
		desc = firstString(messaged, "agentMessage", "message", "text")
	}
	if desc == "" {
		desc = firstString(activity, "description", "text")
	}
	if title == "" {
		title = desc
		if title == "" {
			title = "Activity update"
		}
	}
	return title, desc
}

func formatActivity(title, desc string) string {
	if len(desc) > julesMaxLogLength {
		desc = desc[:julesMaxLogLength] + "... (truncated)"
	}
	if title == "Activity update" && desc == "" {
		return ""
	}
	if desc != "" && desc != title {
		return title + ": " + desc
	}
	return title
}

// pickSummary keeps the most informative summary seen so far. Agent messages
// win; an explicit verdict is never overwritten by later chatter.
func pickSummary(current, title, desc string) string {
	switch {
	case title == "Agent message" && desc != "":
		return desc
	case desc != "" && strings.Contains(strings.ToUpper(desc), "VERDICT:"):
		return desc
	case (title != "" || desc != "") && !strings.Contains(strings.ToUpper(current), "VERDICT:"):
		if desc != "" {
			return desc
		}
		return title
	}
	return current
}

// extractSummary assembles the final response text from a completed session.
func extractSummary(status map[string]any) string {
	outputs, _ := status["outputs"].([]any)
	var summary, prURL string
	hasChangeset := false
	for _, raw := range outputs {
		output, _ := raw.(map[string]any)
		if output == nil {
			continue
		}
		if output["changeSet"] != nil {
			hasChangeset = true
		}
		if prRaw := output["pullRequest"]; prRaw != nil {
			pr, _ := prRaw.(map[string]any)
			prURL, _ = pr["url"].(string)
			if title, _ := pr["title"].(string); summary == "" && title != "" {
				summary = title
			}
		}
	}

	var messages []string
	seen := make(map[string]bool)
	if summary != "" {
		messages = append(messages, summary)
		seen[summary] = true
	}
	activities, _ := status["activities"].([]any)
	for _, raw := range activities {
		activity, _ := raw.(map[string]any)
		if activity == nil {
			continue
		}
		text := ""
		if messaged, ok := activity["agentMessaged"].(map[string]any); ok {
			text = firstString(messaged, "agentMessage", "message", "text")
		} else if progress, ok := activity["progressUpdated"].(map[string]any); ok {
			text, _ = progress["description"].(string)
		}
		if text == "" {
			text = firstString(activity, "description", "text")
		}
		if text != "" && !seen[text] {
			messages = append(messages, text)
			seen[text] = true
		}
	}
	summary = strings.Join(messages, "\n")

	// A returned changeset is an implicit approval.
	if hasChangeset {
		if summary != "" {
			summary += "\nVERDICT: APPROVED"
		} else {
			summary = "VERDICT: APPROVED"
		}
	}
	if prURL != "" {
		if summary != "" {
			summary += "\n\nPR Created: " + prURL
		} else {
			summary = "PR Created: " + prURL
		}
	}
	if summary == "" {
		return "Jules task completed, but no summary was found."
	}
	return summary
}

// applyArtifacts writes any returned unidiff patch to a temp file, applies
// and commits it. Returns whether anything was applied.
func (j *Jules) applyArtifacts(ctx context.Context, status map[string]any, stage string) (bool, error) {
	outputs, _ := status["outputs"].([]any)
	applied := false
	commitMessage := "Update from Jules session"
	for _, raw := range outputs {
		output, _ := raw.(map[string]any)
		if output == nil {
			continue
		}
		changeSet, _ := output["changeSet"].(map[string]any)
		if changeSet == nil {
			continue
		}
		gitPatch, _ := changeSet["gitPatch"].(map[string]any)
		if gitPatch == nil {
			continue
		}
		patchText, _ := gitPatch["unidiffPatch"].(string)
		if patchText == "" {
			continue
		}
		patchFile, err := os.CreateTemp("", "jules-*.patch")
		if err != nil {
			return applied, fmt.Errorf("failed to write jules patch: %w", err)
		}
		if _, err := patchFile.WriteString(patchText); err != nil {
			patchFile.Close()
			os.Remove(patchFile.Name())
			return applied, fmt.Errorf("failed to write jules patch: %w", err)
		}
		patchFile.Close()
		applyOutput, applyErr := j.deps.Git.Apply(ctx, patchFile.Name())
		os.Remove(patchFile.Name())
		if applyErr != nil {
			j.logOutput(stage, fmt.Sprintf("Failed to apply patch: %s\n", applyOutput))
			continue
		}
		applied = true
		if msg, _ := gitPatch["suggestedCommitMessage"].(string); msg != "" {
			commitMessage = msg
		}
	}
	if !applied {
		return false, nil
	}
	if err := j.deps.Git.Add(ctx, "-A"); err != nil {
		return true, err
	}
	if err := j.deps.Git.Commit(ctx, commitMessage); err != nil {
		return true, err
	}
	return true, nil
}

func (j *Jules) logOutput(stage, msg string) {
	if j.deps.Events != nil && stage != "" {
		_ = j.deps.Events.Output(stage, msg)
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, _ := m[key].(string); value != "" {
			return value
		}
	}
	return ""
}

type apiStatusError struct {
	status int
	body   string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("jules API returned status %d: %s", e.status, e.body)
}

func (j *Jules) headers() (http.Header, error) {
	apiKey := os.Getenv("JULES_API_KEY")
	if apiKey == "" {
		return nil, errors.New("JULES_API_KEY environment variable is not set")
	}
	header := make(http.Header)
	header.Set("x-goog-api-key", apiKey)
	header.Set("Content-Type", "application/json")
	return header, nil
}

func (j *Jules) get(ctx context.Context, path string, out any) error {
	return j.request(ctx, http.MethodGet, path, nil, out)
}

func (j *Jules) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return j.request(ctx, http.MethodPost, path, body, out)
}

// request performs one API call with bounded retries on transient failures.
func (j *Jules) request(ctx context.Context, method, path string, body []byte, out any) error {
	header, err := j.headers()
	if err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, j.apiBase+path, reader)
		if err != nil {
			return err
		}
		req.Header = header.Clone()
		resp, err := j.client.Do(req)
		if err != nil {
			return retry.NewRecoverableError(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.NewRecoverableError(err)
		}
		if resp.StatusCode >= 300 {
			apiErr := &apiStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
			if retry.ShouldRetry(resp.StatusCode) {
				return retry.NewRecoverableError(apiErr)
			}
			return apiErr
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode jules response: %w", err)
			}
		}
		return nil
	}, retry.WithMaxRetries(5), retry.WithBaseWait(time.Second))
}
