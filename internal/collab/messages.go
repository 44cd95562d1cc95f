package collab

import (
	"encoding/json"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/changeset"
	"github.com/ottopad/ottopad/internal/pad"
)

// Message is the envelope for everything a client sends. CLIENT_READY
// carries its fields at the top level; COLLABROOM and CHANGESET_REQ nest
// theirs under data.
type Message struct {
	Type            string          `json:"type"`
	Component       string          `json:"component,omitempty"`
	PadID           string          `json:"padId,omitempty"`
	Token           string          `json:"token,omitempty"`
	Password        string          `json:"password,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
	Reconnect       bool            `json:"reconnect,omitempty"`
	ClientRev       int             `json:"client_rev,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// collabData is the union of COLLABROOM payloads a client may send.
type collabData struct {
	Type      string      `json:"type"`
	BaseRev   int         `json:"baseRev,omitempty"`
	Apool     *apool.Pool `json:"apool,omitempty"`
	Changeset string      `json:"changeset,omitempty"`
	Text      string      `json:"text,omitempty"`
	Start     int         `json:"start"`
	End       int         `json:"end"`
	UserInfo  *userInfo   `json:"userInfo,omitempty"`
}

type changesetRequest struct {
	Granularity int    `json:"granularity"`
	Start       int    `json:"start"`
	RequestID   string `json:"requestID"`
}

type userInfo struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	ColorID int    `json:"colorId"`
}

// serverMessage is the envelope for everything the server sends.
type serverMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type disconnectMessage struct {
	Disconnect string `json:"disconnect"`
}

type accessStatusMessage struct {
	AccessStatus string `json:"accessStatus"`
}

type collabClientVars struct {
	InitialAttributedText changeset.AText `json:"initialAttributedText"`
	Apool                 *apool.Pool     `json:"apool"`
	Rev                   int             `json:"rev"`
	Time                  int64           `json:"time"`
	PadID                 string          `json:"padId"`
}

type clientVars struct {
	CollabClientVars collabClientVars    `json:"collab_client_vars"`
	UserID           string              `json:"userId"`
	UserName         string              `json:"userName,omitempty"`
	UserColor        int                 `json:"userColor"`
	ReadOnly         bool                `json:"readonly"`
	ReadOnlyID       string              `json:"readOnlyId,omitempty"`
	ColorPalette     []string            `json:"colorPalette"`
	PadID            string              `json:"padId"`
	ChatHead         int                 `json:"chatHead"`
	RecentChat       []pad.ChatMessage   `json:"chat,omitempty"`
	SavedRevisions   []pad.SavedRevision `json:"savedRevisions,omitempty"`
}

type clientReconnect struct {
	Type        string      `json:"type"`
	HeadRev     int         `json:"headRev"`
	NewRev      int         `json:"newRev"`
	Changeset   string      `json:"changeset,omitempty"`
	Apool       *apool.Pool `json:"apool,omitempty"`
	Author      string      `json:"author,omitempty"`
	CurrentTime int64       `json:"currentTime,omitempty"`
	TimeDelta   int64       `json:"timeDelta,omitempty"`
	NoChanges   bool        `json:"noChanges,omitempty"`
}

type acceptCommit struct {
	Type   string `json:"type"`
	NewRev int    `json:"newRev"`
}

type newChanges struct {
	Type        string      `json:"type"`
	NewRev      int         `json:"newRev"`
	Changeset   string      `json:"changeset"`
	Apool       *apool.Pool `json:"apool"`
	Author      string      `json:"author"`
	CurrentTime int64       `json:"currentTime"`
	TimeDelta   int64       `json:"timeDelta"`
}

type userJoinOrUpdate struct {
	Type     string   `json:"type"`
	UserInfo userInfo `json:"userInfo"`
}

type chatBroadcast struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Time     int64  `json:"time"`
}

type chatMessages struct {
	Type     string            `json:"type"`
	Messages []pad.ChatMessage `json:"messages"`
}

type changesetInfo struct {
	Type                string      `json:"type"`
	Granularity         int         `json:"granularity"`
	Start               int         `json:"start"`
	RequestID           string      `json:"requestID"`
	ForwardsChangesets  []string    `json:"forwardsChangesets"`
	BackwardsChangesets []string    `json:"backwardsChangesets"`
	Apool               *apool.Pool `json:"apool"`
	ActualEndNum        int         `json:"actualEndNum"`
	TimeDeltas          []float64   `json:"timeDeltas"`
}
