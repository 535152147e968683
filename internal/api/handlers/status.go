package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/campaign-dialer/internal/domain"
)

type callResponse struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaignId"`
	LeadID        string     `json:"leadId"`
	AgentID       string     `json:"agentId,omitempty"`
	Destination   string     `json:"destination"`
	Status        string     `json:"status"`
	StartTime     time.Time  `json:"startTime"`
	AnswerTime    *time.Time `json:"answerTime,omitempty"`
	ConnectTime   *time.Time `json:"connectTime,omitempty"`
	RecordingPath string     `json:"recordingPath,omitempty"`
}

func toCallResponse(call domain.ActiveCall) callResponse {
	return callResponse{
		ID:            call.ID,
		CampaignID:    call.CampaignID,
		LeadID:        call.LeadID,
		AgentID:       call.AgentID,
		Destination:   call.Destination,
		Status:        string(call.Status),
		StartTime:     call.StartTime,
		AnswerTime:    call.AnswerTime,
		ConnectTime:   call.ConnectTime,
		RecordingPath: call.RecordingPath,
	}
}

func (h *HandlerSet) status(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(h.engine.LatestMetrics())
}

func (h *HandlerSet) listCalls(ctx *fiber.Ctx) error {
	calls := h.calls.ActiveCalls("")
	out := make([]callResponse, 0, len(calls))
	for _, call := range calls {
		out = append(out, toCallResponse(call))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": out})
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	call, err := h.calls.GetCall(ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(*call))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	campaigns := h.campaigns.Campaigns()
	type campaignResponse struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		DialMode string `json:"dialMode"`
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, campaignResponse{
			ID:       c.ID,
			Name:     c.Name,
			Status:   string(c.Status),
			DialMode: string(c.DialMode),
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"campaigns": out})
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	stats, err := h.campaigns.Stats(ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"totalCalls":     stats.TotalCalls,
		"answeredCalls":  stats.AnsweredCalls,
		"connectedCalls": stats.ConnectedCalls,
		"abandonedCalls": stats.AbandonedCalls,
		"failedCalls":    stats.FailedCalls,
		"totalTalkTime":  stats.TotalTalkTime.Seconds(),
		"avgWaitTime":    stats.AvgWaitTime.Seconds(),
	})
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	calls := h.calls.ActiveCalls(ctx.Params("id"))
	out := make([]callResponse, 0, len(calls))
	for _, call := range calls {
		out = append(out, toCallResponse(call))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": out})
}
