// ABOUTME: Closed set of message types understood by the broker and agents
// ABOUTME: Generic CRUD tags plus account, document and version operations

package message

// Type identifies what a message asks for. Agents declare the types they
// handle as capabilities and the broker routes on them.
type Type string

// Generic types.
const (
	TypeCreate    Type = "CREATE"
	TypeRead      Type = "READ"
	TypeUpdate    Type = "UPDATE"
	TypeDelete    Type = "DELETE"
	TypeList      Type = "LIST"
	TypeResponse  Type = "RESPONSE"
	TypeError     Type = "ERROR"
	TypeBroadcast Type = "BROADCAST"
	TypeHeartbeat Type = "HEARTBEAT"
)

// Account operations.
const (
	TypeUserRegister      Type = "USER_REGISTER"
	TypeUserLogin         Type = "USER_LOGIN"
	TypeUserLogout        Type = "USER_LOGOUT"
	TypeUserUpdateProfile Type = "USER_UPDATE_PROFILE"
	TypeUserGetProfile    Type = "USER_GET_PROFILE"
	TypeUserDelete        Type = "USER_DELETE"
)

// Document operations.
const (
	TypeDocCreate        Type = "DOC_CREATE"
	TypeDocRead          Type = "DOC_READ"
	TypeDocUpdate        Type = "DOC_UPDATE"
	TypeDocDelete        Type = "DOC_DELETE"
	TypeDocList          Type = "DOC_LIST"
	TypeDocCollaborate   Type = "DOC_COLLABORATE"
	TypeDocTrackChange   Type = "DOC_TRACK_CHANGE"
	TypeDocShare         Type = "DOC_SHARE"
	TypeDocUnshare       Type = "DOC_UNSHARE"
	TypeDocCollaborators Type = "DOC_COLLABORATORS"
)

// Version operations.
const (
	TypeVersionCreate           Type = "VERSION_CREATE"
	TypeVersionGetHistory       Type = "VERSION_GET_HISTORY"
	TypeVersionRevert           Type = "VERSION_REVERT"
	TypeVersionCompare          Type = "VERSION_COMPARE"
	TypeVersionGetContributions Type = "VERSION_GET_CONTRIBUTIONS"
)

var knownTypes = map[Type]struct{}{
	TypeCreate: {}, TypeRead: {}, TypeUpdate: {}, TypeDelete: {}, TypeList: {},
	TypeResponse: {}, TypeError: {}, TypeBroadcast: {}, TypeHeartbeat: {},

	TypeUserRegister: {}, TypeUserLogin: {}, TypeUserLogout: {},
	TypeUserUpdateProfile: {}, TypeUserGetProfile: {}, TypeUserDelete: {},

	TypeDocCreate: {}, TypeDocRead: {}, TypeDocUpdate: {}, TypeDocDelete: {},
	TypeDocList: {}, TypeDocCollaborate: {}, TypeDocTrackChange: {},
	TypeDocShare: {}, TypeDocUnshare: {}, TypeDocCollaborators: {},

	TypeVersionCreate: {}, TypeVersionGetHistory: {}, TypeVersionRevert: {},
	TypeVersionCompare: {}, TypeVersionGetContributions: {},
}

// Valid reports whether t is one of the declared message types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsReply reports whether t is RESPONSE or ERROR.
func (t Type) IsReply() bool {
	return t == TypeResponse || t == TypeError
}

func (t Type) String() string { return string(t) }
