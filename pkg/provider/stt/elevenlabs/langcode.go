package elevenlabs

// iso6393 maps the two-letter ISO 639-1 hints used on the gateway surface to
// the three-letter ISO 639-3 codes Scribe expects. Unlisted hints are
// omitted from the request and the model auto-detects.
var iso6393 = map[string]string{
	"ar": "ara",
	"bg": "bul",
	"cs": "ces",
	"da": "dan",
	"de": "deu",
	"el": "ell",
	"en": "eng",
	"es": "spa",
	"et": "est",
	"fa": "fas",
	"fi": "fin",
	"fr": "fra",
	"he": "heb",
	"hi": "hin",
	"hr": "hrv",
	"hu": "hun",
	"id": "ind",
	"it": "ita",
	"ja": "jpn",
	"ko": "kor",
	"lt": "lit",
	"lv": "lav",
	"ms": "msa",
	"nl": "nld",
	"no": "nor",
	"pl": "pol",
	"pt": "por",
	"ro": "ron",
	"ru": "rus",
	"sk": "slk",
	"sl": "slv",
	"sv": "swe",
	"th": "tha",
	"tr": "tur",
	"uk": "ukr",
	"vi": "vie",
	"zh": "zho",
}
