package provider

import (
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

const toolRegistry = "default_tool_registry"

type additionalParams struct {
	Token string `json:"token"`
}

var defaultParams = additionalParams{Token: "-"}

type createSessionEnvelope struct {
	ConfigID             string               `json:"configId"`
	AdditionalParams     additionalParams     `json:"additionalParams"`
	CreateSessionRequest createSessionRequest `json:"createSessionRequest"`
}

type createSessionRequest struct {
	Session sessionSpec `json:"session"`
}

type sessionSpec struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type listSessionsEnvelope struct {
	ConfigID            string           `json:"configId"`
	AdditionalParams    additionalParams `json:"additionalParams"`
	ListSessionsRequest struct{}         `json:"listSessionsRequest"`
}

type streamAssistEnvelope struct {
	ConfigID            string              `json:"configId"`
	AdditionalParams    additionalParams    `json:"additionalParams"`
	StreamAssistRequest streamAssistRequest `json:"streamAssistRequest"`
}

type streamAssistRequest struct {
	Session                string                  `json:"session"`
	Query                  query                   `json:"query"`
	Filter                 string                  `json:"filter"`
	FileIDs                []string                `json:"fileIds"`
	AnswerGenerationMode   string                  `json:"answerGenerationMode"`
	ToolsSpec              *ToolsSpec              `json:"toolsSpec,omitempty"`
	AgentsConfig           *agentsConfig           `json:"agentsConfig,omitempty"`
	AgentsSpec             *agentsSpec             `json:"agentsSpec,omitempty"`
	LanguageCode           string                  `json:"languageCode"`
	UserMetadata           userMetadata            `json:"userMetadata"`
	AssistSkippingMode     string                  `json:"assistSkippingMode"`
	AssistGenerationConfig *assistGenerationConfig `json:"assistGenerationConfig,omitempty"`
}

type query struct {
	Parts []queryPart `json:"parts"`
}

type queryPart struct {
	Text string `json:"text"`
}

type userMetadata struct {
	TimeZone string `json:"timeZone"`
}

type assistGenerationConfig struct {
	ModelID string `json:"modelId"`
}

type emptySpec struct{}

// ToolsSpec enables provider tools. Every shape carries toolRegistry; the
// flags are additive so several specs may be present at once.
type ToolsSpec struct {
	WebGroundingSpec    *emptySpec `json:"webGroundingSpec,omitempty"`
	ImageGenerationSpec *emptySpec `json:"imageGenerationSpec,omitempty"`
	VideoGenerationSpec *emptySpec `json:"videoGenerationSpec,omitempty"`
	ToolRegistry        string     `json:"toolRegistry"`
}

func NewToolsSpec(flags domain.ToolFlags) *ToolsSpec {
	spec := &ToolsSpec{ToolRegistry: toolRegistry}
	if flags.Has(domain.ToolWebGrounding) {
		spec.WebGroundingSpec = &emptySpec{}
	}
	if flags.Has(domain.ToolImageGeneration) {
		spec.ImageGenerationSpec = &emptySpec{}
	}
	if flags.Has(domain.ToolVideoGeneration) {
		spec.VideoGenerationSpec = &emptySpec{}
	}
	return spec
}

type agentsConfig struct {
	DeepResearchConfig emptySpec `json:"deepResearchConfig"`
}

type agentsSpec struct {
	AgentSpecs []agentSpec `json:"agentSpecs"`
}

type agentSpec struct {
	AgentID string `json:"agentId"`
}

const deepResearchAgent = "deep_research"

// AssistRequest is one turn sent to the provider.
type AssistRequest struct {
	Session      string
	Text         string
	ModelID      string
	Tools        domain.ToolFlags
	LanguageCode string
	TimeZone     string
}

func newStreamAssistEnvelope(configID string, req AssistRequest, mode domain.Mode) streamAssistEnvelope {
	inner := streamAssistRequest{
		Session:              req.Session,
		Query:                query{Parts: []queryPart{{Text: req.Text}}},
		Filter:               "",
		FileIDs:              []string{},
		AnswerGenerationMode: "NORMAL",
		LanguageCode:         req.LanguageCode,
		UserMetadata:         userMetadata{TimeZone: req.TimeZone},
		AssistSkippingMode:   "REQUEST_ASSIST",
	}

	if mode == domain.ModeAgent {
		inner.AnswerGenerationMode = "AGENT"
		inner.AgentsConfig = &agentsConfig{}
		inner.AgentsSpec = &agentsSpec{AgentSpecs: []agentSpec{{AgentID: deepResearchAgent}}}
	} else {
		inner.ToolsSpec = NewToolsSpec(req.Tools)
	}
	if req.ModelID != "" {
		inner.AssistGenerationConfig = &assistGenerationConfig{ModelID: req.ModelID}
	}

	return streamAssistEnvelope{
		ConfigID:            configID,
		AdditionalParams:    defaultParams,
		StreamAssistRequest: inner,
	}
}
