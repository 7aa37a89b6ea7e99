package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/cron"
)

// CronCreateTool schedules a one-shot job.
type CronCreateTool struct {
	svc *cron.Service
	now func() time.Time
}

func NewCronCreateTool(svc *cron.Service) *CronCreateTool {
	return &CronCreateTool{svc: svc, now: time.Now}
}

func (t *CronCreateTool) Name() string { return "cron_create" }
func (t *CronCreateTool) Description() string {
	return "Schedule a one-shot job. type=notify delivers message back to you at the given time; type=spawn starts a sub-agent with task."
}

func (t *CronCreateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": prop("string", "Short job name"),
			"at":   prop("string", "RFC 3339 time or a delay such as 10m or 2h"),
			"type": map[string]any{
				"type":        "string",
				"description": "Payload type",
				"enum":        []string{cron.PayloadNotify, cron.PayloadSpawn},
			},
			"message": prop("string", "Message for notify jobs"),
			"task":    prop("string", "Task for spawn jobs"),
		},
		"required": []string{"at", "type"},
	}
}

func (t *CronCreateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	at, err := cron.ParseWhen(GetString(params, "at", ""), t.now())
	if err != nil {
		return "", err
	}
	payloadType := strings.TrimSpace(GetString(params, "type", ""))
	job, err := t.svc.CreateJob(ctx, GetString(params, "name", ""), at, payloadType, cron.Payload{
		Message: GetString(params, "message", ""),
		Task:    GetString(params, "task", ""),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled %s job %s (id: %s) at %s", job.PayloadType, job.Name, job.ID, job.ScheduleAt.Format(time.RFC3339)), nil
}

// CronCancelTool cancels a pending job.
type CronCancelTool struct {
	svc *cron.Service
}

func NewCronCancelTool(svc *cron.Service) *CronCancelTool { return &CronCancelTool{svc: svc} }

func (t *CronCancelTool) Name() string        { return "cron_cancel" }
func (t *CronCancelTool) Description() string { return "Cancel a pending scheduled job by id." }
func (t *CronCancelTool) Parameters() map[string]any {
	return schema(map[string]any{"id": prop("string", "Job id")}, "id")
}

func (t *CronCancelTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id := GetString(params, "id", "")
	ok, err := t.svc.CancelJob(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Job %s was not pending (already fired, cancelled, or unknown)", id), nil
	}
	return fmt.Sprintf("Cancelled job %s", id), nil
}

// CronListTool lists jobs.
type CronListTool struct {
	svc *cron.Service
}

func NewCronListTool(svc *cron.Service) *CronListTool { return &CronListTool{svc: svc} }

func (t *CronListTool) Name() string        { return "cron_list" }
func (t *CronListTool) Description() string { return "List scheduled jobs." }
func (t *CronListTool) Parameters() map[string]any {
	return schema(map[string]any{
		"status": prop("string", "Optional status filter (pending|fired|cancelled), default pending"),
	})
}

func (t *CronListTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	jobs, err := t.svc.List(ctx, GetString(params, "status", cron.StatusPending))
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No jobs.", nil
	}
	return FormatJobs(jobs), nil
}

// FormatJobs renders jobs one per line.
func FormatJobs(jobs []cron.Job) string {
	var sb strings.Builder
	for _, j := range jobs {
		body := j.Payload.Message
		if j.PayloadType == cron.PayloadSpawn {
			body = j.Payload.Task
		}
		sb.WriteString(fmt.Sprintf("- %s %s [%s] %s at %s: %s\n",
			j.ID, j.Name, j.Status, j.PayloadType, j.ScheduleAt.Format(time.RFC3339), preview(body, 80)))
	}
	return sb.String()
}
