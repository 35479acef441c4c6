// Package pagination drives Graph continuation-token paging for one resource.
//
// A page is a JSON object with a "value" array and an optional
// "@odata.nextLink". LoadPaged follows next links until a page has none,
// dispatching every item to a bounded pre-processing pool and draining that
// pool before the next page is requested:
//
//	pager := pagination.New[model.Message](pagination.Config{PreprocessLimit: 8}, mon, logger)
//	res, err := pager.LoadPaged(ctx, mailboxID, mailboxID, fetcher.Fetch, sink.Process)
//
// Status handling per page:
//   - 404, 403 and 401 end the resource as skipped without error
//   - the first 402 flips the licensing model and retries the same page
//   - a second 402 fails with ErrQuotaExceeded
//   - any other non-200 status fails with ErrUnexpectedStatus
//
// A 200 whose body is empty or lacks "value" fails with ErrMalformedPage.
package pagination
