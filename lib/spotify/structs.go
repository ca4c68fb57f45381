package spotify

import "strings"

// Track is the flattened view of a Spotify track that the rest of the
// service cares about.
type Track struct {
	ID         string   `json:"id"`
	URI        string   `json:"uri"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists"`
	AlbumName  string   `json:"albumName"`
	ImageURL   string   `json:"imageUrl"`
	DurationMS int      `json:"durationMs"`
}

// ArtistLine renders the artist list the way it is shown to guests.
func (t Track) ArtistLine() string {
	return strings.Join(t.Artists, ", ")
}

type apiArtist struct {
	Name string `json:"name"`
}

type apiImage struct {
	URL string `json:"url"`
}

type apiAlbum struct {
	Name   string     `json:"name"`
	Images []apiImage `json:"images"`
}

type apiTrack struct {
	ID         string      `json:"id"`
	URI        string      `json:"uri"`
	Name       string      `json:"name"`
	DurationMS int         `json:"duration_ms"`
	Artists    []apiArtist `json:"artists"`
	Album      apiAlbum    `json:"album"`
}

func (t apiTrack) flatten() Track {
	track := Track{
		ID:         t.ID,
		URI:        t.URI,
		Name:       t.Name,
		AlbumName:  t.Album.Name,
		DurationMS: t.DurationMS,
	}
	for _, artist := range t.Artists {
		track.Artists = append(track.Artists, artist.Name)
	}
	if len(t.Album.Images) > 0 {
		track.ImageURL = t.Album.Images[0].URL
	}
	return track
}

type searchResponse struct {
	Tracks struct {
		Items []apiTrack `json:"items"`
	} `json:"tracks"`
}

type profileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type playlistResponse struct {
	ID string `json:"id"`
}

type playlistItemsResponse struct {
	Items []struct {
		Track *apiTrack `json:"track"`
	} `json:"items"`
	Next string `json:"next"`
}

type errorResponse struct {
	Error struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}
