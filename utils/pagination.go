package utils

import (
	"errors"
	"net/url"
	"strconv"
)

const pageSizeDefault = 20
const pageSizeMax = 100

// GetPaginationParams calculates the offset and limit for pagination based on the provided values.
// If offset or limit are nil, default values are used. The limit is capped at a maximum value.
func GetPaginationParams(offset *int, limit *int) (int, int) {
	finalOffset := 0
	finalLimit := pageSizeDefault

	if offset != nil && *offset >= 0 {
		finalOffset = *offset
	}

	if limit != nil && *limit > 0 {
		finalLimit = min(*limit, pageSizeMax)
	}

	return finalOffset, finalLimit
}

// ParsePaginationQuery reads the optional "offset" and "limit" query parameters. Absent
// parameters stay nil; malformed ones are reported by name.
func ParsePaginationQuery(query url.Values) (offset *int, limit *int, err error) {
	if offsetStr := query.Get("offset"); offsetStr != "" {
		v, convErr := strconv.Atoi(offsetStr)
		if convErr != nil {
			return nil, nil, errors.New("invalid 'offset' query parameter, must be an integer")
		}
		offset = &v
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		v, convErr := strconv.Atoi(limitStr)
		if convErr != nil {
			return nil, nil, errors.New("invalid 'limit' query parameter, must be an integer")
		}
		limit = &v
	}

	return offset, limit, nil
}
