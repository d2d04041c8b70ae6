package cache

import "strings"

// CityKey is the cache key for the availability of city on date.
func CityKey(city, date string) string {
	return "city:" + strings.TrimSpace(city) + ":" + strings.TrimSpace(date)
}

// EmptyKey is the cache key for "no city is scheduled on date".
func EmptyKey(date string) string {
	return "empty:" + strings.TrimSpace(date)
}
