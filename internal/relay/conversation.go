package relay

// Conversation state: the next inbound message from a (chat, user) pair is
// consumed by the pending status and clears it. There are no other
// transitions.

// ConvStatus names what the next message means.
type ConvStatus string

const (
	ConvWelcomeMessage  ConvStatus = "ewmm_message"     // welcome body being edited
	ConvWelcomeButtons  ConvStatus = "ewmm_button"      // welcome button spec being edited
	ConvInstruction     ConvStatus = "eci_instruction"  // chat instruction being edited
	ConvSetPassword     ConvStatus = "ep_password"      // group password being set
	ConvGivePassword    ConvStatus = "gp_password"      // join password attempt
	ConvSetMask         ConvStatus = "sm_mask"          // pinned mask being chosen
	ConvConfirmRules    ConvStatus = "ci_confirm"       // instruction must be acknowledged
)

type convKey struct {
	chat int64
	user int64
}

// conversation is the one-shot carrier for a pending status. confirmed is
// only used by ci_confirm.
type conversation struct {
	Status    ConvStatus
	confirmed chan struct{}
}

// setConversation replaces the pending status for the pair. A nil-equivalent
// empty status clears it.
func (r *Relay) setConversation(chat, user int64, status ConvStatus) *conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	key := convKey{chat: chat, user: user}
	if status == "" {
		delete(r.convs, key)
		return nil
	}
	c := &conversation{Status: status}
	if status == ConvConfirmRules {
		c.confirmed = make(chan struct{})
	}
	r.convs[key] = c
	return c
}

// takeConversation consumes and clears the pending status, if any.
func (r *Relay) takeConversation(chat, user int64) *conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	key := convKey{chat: chat, user: user}
	c, ok := r.convs[key]
	if !ok {
		return nil
	}
	delete(r.convs, key)
	return c
}

// peekConversation reads without consuming; used by the callback handler to
// signal ci_confirm.
func (r *Relay) peekConversation(chat, user int64) *conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	return r.convs[convKey{chat: chat, user: user}]
}
