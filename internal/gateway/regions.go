package gateway

import "strings"

// regionBaseURLs maps vendor regions to their API base URL.
var regionBaseURLs = map[string]string{
	"EU": "https://api-eu.libreview.io",
	"US": "https://api-us.libreview.io",
	"DE": "https://api-de.libreview.io",
	"FR": "https://api-fr.libreview.io",
	"JP": "https://api-jp.libreview.io",
	"AP": "https://api-ap.libreview.io",
	"AU": "https://api-au.libreview.io",
	"AE": "https://api-ae.libreview.io",
}

// BaseURLForRegion resolves a region code to the vendor base URL.
func BaseURLForRegion(region string) (string, bool) {
	url, ok := regionBaseURLs[strings.ToUpper(region)]
	return url, ok
}

// Regions lists the known region codes.
func Regions() []string {
	regions := make([]string, 0, len(regionBaseURLs))
	for region := range regionBaseURLs {
		regions = append(regions, region)
	}
	return regions
}
