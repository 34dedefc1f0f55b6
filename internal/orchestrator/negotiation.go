package orchestrator

// ChannelNegotiationRequest is the outbound half of spec.md §6's
// channel-negotiation exchange: a peer describes its mod set and asks
// for a channel count.
type ChannelNegotiationRequest struct {
	ModCount          int `json:"mod_count"`
	LargeModCount     int `json:"large_mod_count"`
	SmallModCount     int `json:"small_mod_count"`
	AvailableMemoryMB int `json:"available_memory_mb"`
	TotalDataMB       int `json:"total_data_mb"`
	RequestedChannels int `json:"requested_channels"`
}

// ChannelNegotiationResponse answers a ChannelNegotiationRequest,
// reporting the channel counts each side should use and the memory
// ceiling that bounded them.
type ChannelNegotiationResponse struct {
	MyChannels       int `json:"my_channels"`
	YourChannels     int `json:"your_channels"`
	LimitingMemoryMB int `json:"limiting_memory_mb"`
}

// DefaultPerChannelBudgetMB is the fixed per-channel memory budget
// spec.md §6 divides available memory by to cap the agreed channel
// count.
const DefaultPerChannelBudgetMB = 16

// NegotiateChannels implements spec.md §6's final-agreement rule:
// agreed = min(requested_channels, limiting_memory_mb / fixed_per_channel_budget).
// perChannelBudgetMB <= 0 falls back to DefaultPerChannelBudgetMB.
// The result is always at least 1 when requested is positive, since a
// session needs at least one working channel.
func NegotiateChannels(requestedChannels, limitingMemoryMB, perChannelBudgetMB int) int {
	if perChannelBudgetMB <= 0 {
		perChannelBudgetMB = DefaultPerChannelBudgetMB
	}
	byMemory := limitingMemoryMB / perChannelBudgetMB
	agreed := requestedChannels
	if byMemory < agreed {
		agreed = byMemory
	}
	if agreed < 1 {
		agreed = 1
	}
	return agreed
}

// RespondToNegotiation builds the response a receiving peer sends
// back to a ChannelNegotiationRequest: it reports its own requested
// channel count as MyChannels, the agreed count the sender should use
// as YourChannels, and the memory figure that constrained the
// decision (the lesser of the two peers' available memory, since
// either side running out stalls the transfer).
func RespondToNegotiation(req ChannelNegotiationRequest, myAvailableMemoryMB, myRequestedChannels, perChannelBudgetMB int) ChannelNegotiationResponse {
	limiting := req.AvailableMemoryMB
	if myAvailableMemoryMB < limiting {
		limiting = myAvailableMemoryMB
	}
	return ChannelNegotiationResponse{
		MyChannels:       myRequestedChannels,
		YourChannels:     NegotiateChannels(req.RequestedChannels, limiting, perChannelBudgetMB),
		LimitingMemoryMB: limiting,
	}
}
