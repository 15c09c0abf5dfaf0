// Package pagination walks Planet's cursor-paginated collections.
//
// Every collection response is a JSON object that carries the page's items
// under a resource key ("mosaics", "series", "items", ...) and a "_links"
// object mapping relation names to URLs. When "_links" contains "_next",
// that URL is requested verbatim for the following page; when it does not,
// the collection is exhausted.
//
// Example usage:
//
//	for mosaic, err := range pagination.Walk[basemaps.Mosaic](ctx, apiClient, start, "mosaics") {
//		if err != nil {
//			return err
//		}
//		fmt.Println(mosaic.Name)
//	}
//
// Pages are fetched lazily: breaking out of the loop stops the walk and no
// further requests are made. Searches that start with a POST hand their
// first response to WalkFrom and continue with GET requests.
package pagination
