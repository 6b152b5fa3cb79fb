package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/bisectd/bisectd/internal/security"
	"github.com/bisectd/bisectd/internal/store"
)

// webhookPayload is the slice of the issue_comment event the ingress needs.
type webhookPayload struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// postWebhook is the single ingress operation: authenticate, translate the
// comment into at most one pending job, return before anything executes.
func (s *Server) postWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event := c.GetHeader("X-GitHub-Event")
	if !s.verifySignature(body, c.GetHeader("X-Hub-Signature-256")) {
		// Log only the event kind and source; the payload is untrusted.
		s.log.Warnf("Rejected webhook with bad signature (event %q, source %s)", event, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if event != "issue_comment" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if payload.Action != "created" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	comment := strings.TrimSpace(payload.Comment.Body)
	if !strings.HasPrefix(comment, "/bisect") {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	spec, err := s.specFromPayload(payload)
	if err != nil {
		// A broken command is the commenter's problem, not a request
		// failure: reply politely and acknowledge the delivery.
		s.log.Infof("Rejected /bisect command on %s/%s#%d - %v",
			payload.Repository.Owner.Login, payload.Repository.Name, payload.Issue.Number, err)
		s.replyRejection(c, payload, err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
		return
	}

	id, created, err := s.store.Create(c.Request.Context(), *spec)
	if err != nil {
		s.log.Errorf("Failed to create job - %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue job"})
		return
	}
	if !created {
		s.log.Infof("Deduplicated replayed delivery onto job %d", id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "job_id": id})
}

// specFromPayload parses and validates the /bisect command into a job spec.
func (s *Server) specFromPayload(payload webhookPayload) (*store.Spec, error) {
	goodArg, badArg, testCommand, err := parseBisectCommand(payload.Comment.Body)
	if err != nil {
		return nil, err
	}

	goodSHA, err := security.ValidateSHA(goodArg, "good_sha")
	if err != nil {
		return nil, err
	}
	badSHA, err := security.ValidateSHA(badArg, "bad_sha")
	if err != nil {
		return nil, err
	}
	owner, err := security.ValidateRepoOwner(payload.Repository.Owner.Login)
	if err != nil {
		return nil, err
	}
	repo, err := security.ValidateRepoName(payload.Repository.Name)
	if err != nil {
		return nil, err
	}
	command, err := security.ValidateTestCommand(testCommand)
	if err != nil {
		return nil, err
	}
	if payload.Installation.ID <= 0 {
		return nil, errors.New("missing installation id")
	}

	return &store.Spec{
		RepoOwner:      owner,
		RepoName:       repo,
		InstallationID: payload.Installation.ID,
		IssueNumber:    payload.Issue.Number,
		Requester:      payload.Comment.User.Login,
		GoodSHA:        goodSHA,
		BadSHA:         badSHA,
		TestCommand:    command,
	}, nil
}

// parseBisectCommand splits "/bisect <good> <bad> <test_command...>" from the
// first line of a comment. The test command is the verbatim remainder of the
// line.
func parseBisectCommand(body string) (good, bad, testCommand string, err error) {
	line := strings.TrimSpace(body)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	token, rest := firstField(line)
	if token != "/bisect" {
		return "", "", "", errors.New("not a bisect command")
	}
	good, rest = firstField(rest)
	bad, rest = firstField(rest)
	testCommand = strings.TrimSpace(rest)

	if good == "" || bad == "" || testCommand == "" {
		return "", "", "", errors.New("usage: /bisect <good_sha> <bad_sha> <test_command>")
	}
	return good, bad, testCommand, nil
}

// firstField returns the first whitespace-delimited field and the remainder.
func firstField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

// replyRejection posts a short explanation on the issue. Best effort: the
// delivery is acknowledged either way.
func (s *Server) replyRejection(c *gin.Context, payload webhookPayload, reason error) {
	body := fmt.Sprintf("⚠️ Could not start a bisect: %s.\n\nUsage: `/bisect <good_sha> <bad_sha> <test_command>`", reason)
	_, err := s.forge.CreateComment(c.Request.Context(),
		payload.Installation.ID, payload.Repository.Owner.Login, payload.Repository.Name,
		payload.Issue.Number, body)
	if err != nil {
		s.log.Warnf("Failed to post rejection reply - %v", err)
	}
}

// verifySignature checks the hex HMAC-SHA256 of the body in constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	supplied, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(supplied)))
}
