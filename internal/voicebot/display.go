package voicebot

import "github.com/MrWong99/storycircle/pkg/conversation"

// DisplayOrder merges the conversational and telemetry entries of msgs for
// display. Conversational entries keep their relative order. Telemetry
// entries are consumed in order, one after each assistant message that closes
// a turn: an assistant message followed by a user message, or the final
// assistant message. Telemetry left over when no such boundary remains is
// appended at the end.
//
// DisplayOrder is pure: msgs is not modified and equal inputs yield equal
// outputs.
func DisplayOrder(msgs []conversation.Message) []conversation.Message {
	var convo, telemetry []conversation.Message
	for _, m := range msgs {
		if m.IsConversation() {
			convo = append(convo, m)
		} else {
			telemetry = append(telemetry, m)
		}
	}

	out := make([]conversation.Message, 0, len(msgs))
	next := 0
	for i, m := range convo {
		out = append(out, m)
		if m.Kind != conversation.KindAssistant || next >= len(telemetry) {
			continue
		}
		last := i == len(convo)-1
		if last || convo[i+1].Kind == conversation.KindUser {
			out = append(out, telemetry[next])
			next++
		}
	}
	return append(out, telemetry[next:]...)
}
