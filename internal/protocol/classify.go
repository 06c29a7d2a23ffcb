package protocol

// EventClass groups feed events by delivery priority.
type EventClass string

const (
	ClassLifecycle EventClass = "lifecycle"
	ClassAccount   EventClass = "account"
	ClassTrade     EventClass = "trade"
	ClassChat      EventClass = "chat"
	ClassCosmetic  EventClass = "cosmetic"
)

// Classes lists every event class.
var Classes = []EventClass{ClassLifecycle, ClassAccount, ClassTrade, ClassChat, ClassCosmetic}

var eventClasses = map[string]EventClass{
	EventGameStateUpdate:    ClassLifecycle,
	EventPlayerUpdate:       ClassAccount,
	EventUsernameStatus:     ClassAccount,
	"gameStatePlayerUpdate": ClassAccount,
	EventStandardNewTrade:   ClassTrade,
	EventNewTrade:           ClassTrade,
	EventSidebet:            ClassTrade,
	"sidebetResponse":       ClassTrade,
	"buyOrderResponse":      ClassTrade,
	"sellOrderResponse":     ClassTrade,
	EventNewChatMessage:     ClassChat,
	"chatMessage":           ClassChat,
}

// Classify returns the delivery class of an event name.
// Unknown names are cosmetic.
func Classify(name string) EventClass {
	if c, ok := eventClasses[name]; ok {
		return c
	}
	return ClassCosmetic
}

// Critical reports whether events of this class must never be dropped.
func (c EventClass) Critical() bool {
	return c == ClassLifecycle || c == ClassAccount
}
