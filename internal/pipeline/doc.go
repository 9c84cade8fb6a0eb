// Package pipeline implements the job handlers that crawl, convert and index
// repository resources: explore_folder fans a directory out into child jobs,
// import_file and import_upload index one file each, and render_pdf attaches
// a PDF rendition to an already indexed document.
package pipeline
