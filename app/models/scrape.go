package models

// ScrapedPage is the renderer's snapshot of a landing page: the rendered
// document plus the stats the critique prompt needs.
type ScrapedPage struct {
	URL             string `json:"url"`
	FinalURL        string `json:"final_url"`
	Title           string `json:"title"`
	MetaDescription string `json:"meta_description,omitempty"`
	HTML            string `json:"html"`
	TextContent     string `json:"text_content"`
	Screenshot      []byte `json:"-"`
	LoadTimeMS      int    `json:"load_time_ms"`
	WordCount       int    `json:"word_count"`
	ImageCount      int    `json:"image_count"`
	LinkCount       int    `json:"link_count"`
	HasForm         bool   `json:"has_form"`
}
