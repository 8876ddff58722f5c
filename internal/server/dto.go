package server

import (
	"foreman/internal/domain"
)

type BuildResponse struct {
	Slug           string              `json:"slug"`
	Status         string              `json:"status"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
	ArchivedAt     *string             `json:"archived_at,omitempty"`
	LastProgressAt string              `json:"last_progress_at"`
	Lease          *domain.TickLease   `json:"lease,omitempty"`
	Circuit        domain.SpawnCircuit `json:"circuit"`
}

type BuildDetailResponse struct {
	BuildResponse
	DropCounts map[string]int `json:"drop_counts"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome" enum:"retry,accept,abandon"`
	Note    string `json:"note,omitempty"`
}

func buildResponse(b domain.Build) BuildResponse {
	return BuildResponse{
		Slug:           b.Slug,
		Status:         b.Status,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		ArchivedAt:     b.ArchivedAt,
		LastProgressAt: b.LastProgressAt,
		Lease:          b.Lease,
		Circuit:        b.Circuit,
	}
}

func mapBuilds(items []domain.Build) []BuildResponse {
	out := make([]BuildResponse, 0, len(items))
	for _, b := range items {
		out = append(out, buildResponse(b))
	}
	return out
}
