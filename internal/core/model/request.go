package model

import (
	"time"
)

// OrchestrationRequest 表示一次编排调用
type OrchestrationRequest struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Action    string `json:"action"`
	Payload   Fields `json:"payload,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Priority  int    `json:"priority"`
}

// ProcessingStep 处理链路上的一步
type ProcessingStep struct {
	Name       string  `json:"name"`
	DurationMs float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
	Detail     string  `json:"detail,omitempty"`
}

// ResponseMetadata 响应元数据
type ResponseMetadata struct {
	ServiceID        string           `json:"service_id"`
	Version          string           `json:"version,omitempty"`
	CacheHit         bool             `json:"cache_hit"`
	UpstreamServices []string         `json:"upstream_services"`
	ProcessingSteps  []ProcessingStep `json:"processing_steps"`
}

// ResponseError 响应中的错误信息
type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// OrchestrationResponse 编排调用结果，无论成功失败都会返回
type OrchestrationResponse struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	Success          bool             `json:"success"`
	Data             Value            `json:"data"`
	Error            *ResponseError   `json:"error,omitempty"`
	Metadata         ResponseMetadata `json:"metadata"`
	Timestamp        time.Time        `json:"timestamp"`
	ProcessingTimeMs float64          `json:"processing_time_ms"`
}

// ServiceStats 路由器维护的单服务计数
type ServiceStats struct {
	ServiceID     string  `json:"service_id"`
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailCount     int64   `json:"fail_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}
