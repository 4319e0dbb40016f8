package feeds

import (
	"strings"

	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/types"
)

// Built-in source lists, all scoped to the webMethods topic. Google News and
// Indeed are fussy about non-browser clients, so those draw desktop user
// agents.
var (
	newsSources = []Source{
		{
			URL:   "https://news.google.com/rss/search?q=webmethods&hl=en-US&gl=US&ceid=US:en",
			Name:  "Google News",
			Class: fetcher.ClassDesktop,
		},
	}

	jobSources = []Source{
		{
			URL:   "https://www.indeed.com/rss?q=webmethods&sort=date",
			Name:  "Indeed",
			Class: fetcher.ClassDesktop,
		},
	}

	blogSources = []Source{
		{
			URL:  "https://medium.com/feed/tag/webmethods",
			Name: "Medium",
		},
		{
			URL:  "https://tech.forums.softwareag.com/tag/webmethods.rss",
			Name: "Software AG Tech Community",
		},
	}

	communitySources = []Source{
		{
			URL:  "https://www.reddit.com/search.rss?q=webmethods&sort=new",
			Name: "Reddit",
		},
		{
			URL:  "https://stackoverflow.com/feeds/tag/webmethods",
			Name: "Stack Overflow",
		},
	}
)

// DefaultRegistry returns the built-in adapter set: news, jobs, blogs and
// community, in the order a full run executes them.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFeedAdapter("news", types.CategoryNews, newsSources))
	r.Register(NewFeedAdapter("jobs", types.CategoryJob, jobSources).WithEnrich(EnrichJob))
	r.Register(NewFeedAdapter("blogs", types.CategoryBlog, blogSources))
	r.Register(NewFeedAdapter("community", types.CategoryArticle, communitySources))
	return r
}

// EnrichJob parses job feed titles of the shape "role - company - location"
// into the record's JobDetail. Titles that do not match keep the plain title
// and no job detail.
func EnrichJob(rec *types.ContentRecord) {
	parts := strings.Split(rec.Title, " - ")
	if len(parts) < 2 {
		return
	}

	job := &types.JobDetail{Role: strings.TrimSpace(parts[0])}
	job.Company = strings.TrimSpace(parts[1])
	if len(parts) > 2 {
		job.Location = strings.TrimSpace(strings.Join(parts[2:], " - "))
	}
	if strings.Contains(strings.ToLower(job.Location), "remote") ||
		strings.Contains(strings.ToLower(job.Role), "remote") {
		job.Remote = true
	}
	if job.Role == "" {
		return
	}
	rec.Job = job
}
