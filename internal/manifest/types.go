package manifest

import "strings"

// ContentType classifies a unit of acquired content.
type ContentType string

const (
	ContentTypeUnknown          ContentType = "Unknown"
	ContentTypeMap              ContentType = "Map"
	ContentTypeMapPack          ContentType = "MapPack"
	ContentTypeMission          ContentType = "Mission"
	ContentTypeMod              ContentType = "Mod"
	ContentTypePatch            ContentType = "Patch"
	ContentTypeAddon            ContentType = "Addon"
	ContentTypeLanguagePack     ContentType = "LanguagePack"
	ContentTypeSkin             ContentType = "Skin"
	ContentTypeVideo            ContentType = "Video"
	ContentTypeGameClient       ContentType = "GameClient"
	ContentTypeGameInstallation ContentType = "GameInstallation"
)

var knownContentTypes = map[ContentType]string{
	ContentTypeMap:              "map",
	ContentTypeMapPack:          "mappack",
	ContentTypeMission:          "mission",
	ContentTypeMod:              "mod",
	ContentTypePatch:            "patch",
	ContentTypeAddon:            "addon",
	ContentTypeLanguagePack:     "languagepack",
	ContentTypeSkin:             "skin",
	ContentTypeVideo:            "video",
	ContentTypeGameClient:       "gameclient",
	ContentTypeGameInstallation: "gameinstallation",
}

// IsKnown reports whether t is one of the defined content types other than Unknown.
func (t ContentType) IsKnown() bool {
	_, ok := knownContentTypes[t]
	return ok
}

// IsReference reports whether content of this type points at an existing
// installation instead of carrying copyable files.
func (t ContentType) IsReference() bool {
	return t == ContentTypeGameInstallation || t == ContentTypeGameClient
}

// Slug returns the lowercase form used inside manifest ids.
func (t ContentType) Slug() string {
	if s, ok := knownContentTypes[t]; ok {
		return s
	}
	return "unknown"
}

// ParseContentType matches name case-insensitively against the known types.
func ParseContentType(name string) (ContentType, bool) {
	for t, slug := range knownContentTypes {
		if strings.EqualFold(string(t), name) || slug == strings.ToLower(name) {
			return t, true
		}
	}
	return ContentTypeUnknown, false
}

// TargetGame is the game a piece of content runs on.
type TargetGame string

const (
	TargetGameUnknown  TargetGame = "Unknown"
	TargetGameGenerals TargetGame = "Generals"
	TargetGameZeroHour TargetGame = "ZeroHour"
)

func (g TargetGame) IsKnown() bool {
	return g == TargetGameGenerals || g == TargetGameZeroHour
}

// ParseTargetGame matches name case-insensitively. "zh" is accepted for Zero Hour.
func ParseTargetGame(name string) (TargetGame, bool) {
	switch {
	case strings.EqualFold(name, string(TargetGameGenerals)):
		return TargetGameGenerals, true
	case strings.EqualFold(name, string(TargetGameZeroHour)), strings.EqualFold(name, "zh"):
		return TargetGameZeroHour, true
	}
	return TargetGameUnknown, false
}

// SourceType records where a manifest file's bytes came from.
type SourceType string

const (
	SourceTypeUnknown            SourceType = "Unknown"
	SourceTypeLocalFile          SourceType = "LocalFile"
	SourceTypeDownload           SourceType = "Download"
	SourceTypeExtractedPackage   SourceType = "ExtractedPackage"
	SourceTypeContentAddressable SourceType = "ContentAddressable"
	SourceTypeGameInstallation   SourceType = "GameInstallation"
)

// PublisherType describes the kind of origin a publisher represents.
type PublisherType string

const (
	PublisherTypeUnknown   PublisherType = "Unknown"
	PublisherTypeCommunity PublisherType = "Community"
	PublisherTypeGitHub    PublisherType = "GitHub"
	PublisherTypeRetail    PublisherType = "Retail"
	PublisherTypeLocal     PublisherType = "Local"
)

// DependencyType describes how a dependency relates to the dependent content.
type DependencyType string

const (
	DependencyRequires     DependencyType = "Requires"
	DependencyGameClient   DependencyType = "GameClient"
	DependencyIncompatible DependencyType = "Incompatible"
	DependencyRecommended  DependencyType = "Recommended"
)
