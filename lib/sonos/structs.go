package sonos

// Household is the top-level grouping of a host's speakers.
type Household struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is a set of speakers commanded as one playback unit.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	PlayerIDs []string `json:"playerIds"`
}

type householdsResponse struct {
	Households []Household `json:"households"`
}

type groupsResponse struct {
	Groups []Group `json:"groups"`
}

// GroupVolume mirrors the groupVolume endpoint payload.
type GroupVolume struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
	Fixed  bool `json:"fixed"`
}

type playbackResponse struct {
	PlaybackState string `json:"playbackState"`
}

// ResourceID identifies a track or container on the backing music service.
type ResourceID struct {
	ServiceID string `json:"serviceId"`
	ObjectID  string `json:"objectId"`
	AccountID string `json:"accountId"`
}

// Favorite is a household-level reference to an external playlist or
// station. A playlist must be a favorite before it can be queued.
type Favorite struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service struct {
		Name string `json:"name"`
	} `json:"service"`
	Resource struct {
		Type string     `json:"type"`
		ID   ResourceID `json:"id"`
	} `json:"resource"`
}

type favoritesResponse struct {
	Items []Favorite `json:"items"`
}

type fault struct {
	Faultstring string `json:"faultstring"`
	Detail      struct {
		Errorcode string `json:"errorcode"`
	} `json:"detail"`
}

type faultEnvelope struct {
	Fault *fault `json:"fault"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
