package detector

var defaultGoneMarkers = []string{
	"this article is no longer available",
	"this story is no longer available",
	"this page no longer exists",
	"the page you requested could not be found",
	"this content has expired",
}

var defaultGoneTitles = []string{
	"page not found",
	"404 not found",
}

// BuiltinSignatures returns the default bot-protection signature set.
func BuiltinSignatures() []Signature {
	return []Signature{
		{
			Name:           "cloudflare-challenge",
			TitleContains:  []string{"just a moment...", "attention required! | cloudflare"},
			Header:         "cf-mitigated",
			HeaderContains: "challenge",
		},
		{
			// Bot Fight Mode injects challenge-platform scripts into normal
			// 200 pages, so the script markers only count on error statuses.
			Name: "cloudflare-challenge",
			BodyContains: []string{
				"cf-chl-",
				"cf_chl_opt",
				"/cdn-cgi/challenge-platform/",
			},
			Statuses: []int{403, 429, 503},
		},
		{
			Name: "captcha-widget",
			Selectors: []string{
				"#challenge-form",
				".g-recaptcha",
				".h-captcha",
				".cf-turnstile",
				"iframe[src*='recaptcha']",
				"iframe[src*='hcaptcha']",
			},
			MaxBodyBytes: 60_000,
		},
		{
			Name:          "perimeterx",
			BodyContains:  []string{"px-captcha", "_pxcaptcha"},
			TitleContains: []string{"access to this page has been denied"},
		},
		{
			Name:         "datadome",
			BodyContains: []string{"captcha-delivery.com"},
			Header:       "x-datadome",
			Statuses:     []int{403, 405},
		},
		{
			Name:          "akamai-denied",
			TitleContains: []string{"access denied"},
			BodyContains:  []string{"errors.edgesuite.net"},
			Statuses:      []int{403},
		},
		{
			Name:         "incapsula",
			BodyContains: []string{"_incapsula_resource", "incapsula incident id"},
		},
		{
			Name: "generic-human-check",
			BodyContains: []string{
				"verify you are human",
				"are you a robot",
				"unusual traffic from your computer network",
				"please complete the security check",
			},
			MaxBodyBytes: 100_000,
		},
	}
}
