package config

const (
	// ChannelIngestRequests carries base64-encoded files to ingest.
	ChannelIngestRequests = "ingest_requests"

	// ChannelIngestResponses carries the ingest outcome for each request.
	ChannelIngestResponses = "ingest_responses"

	// ChannelQueryRequests carries questions.
	ChannelQueryRequests = "query_requests"

	// ChannelQueryResponses carries answers.
	ChannelQueryResponses = "query_responses"
)
