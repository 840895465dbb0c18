// Package board defines the pipeline board data model: records, the fixed
// set of status lanes they move between, the filter predicate shared by page
// and count queries, and the rendered card snapshot carried by broadcast
// events so remote viewers can insert a moved card without a follow-up fetch.
package board
