package prompt

import (
	"fmt"
	"strings"
)

// registry maps task ids to their templates. The HTTP layer composes the
// id from the generation family and subtype, e.g. "newsletter_body".
var registry = map[string]*Template{}

func register(tpl *Template) {
	registry[tpl.Task] = tpl
}

func init() {
	registerAssistant()
	registerNewsletter()
	registerBlog()
	registerPage()
	registerListing()
	registerEvent()
	registerMessageReply()
	registerBio()
}

func registerAssistant() {
	register(&Template{
		Task:         "assistant",
		Required:     nil,
		Optional:     []string{"context"},
		Format:       FormatPlainText,
		LengthTarget: "2-6 sentences unless asked for more",
		system: func(f Fields) string {
			return "You are the community assistant of a local exchange platform where neighbours " +
				"trade skills, offers, and requests. You help members find matches, understand the " +
				"platform, and phrase their listings. Be warm, concrete, and brief. " +
				antiFabricationContract + " " +
				"When the data includes nearby matches, mention the closest ones with their distance. " +
				"When the user has no location on file, suggest adding one to get distance-ranked matches."
		},
		user: func(f Fields) string {
			return grounded(f, f["free_text"])
		},
	})
}

func registerNewsletter() {
	newsletterSystem := func(role string) string {
		return "You write the " + role + " of a community newsletter for a local exchange platform. " +
			antiFabricationContract
	}
	register(&Template{
		Task:         "newsletter_subject",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatPlainText,
		LengthTarget: "under 60 characters",
		system: func(f Fields) string {
			return newsletterSystem("subject line") + " Output exactly one subject line, no quotes."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write a subject line for the newsletter issue %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "newsletter_preview",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatPlainText,
		LengthTarget: "one sentence, under 120 characters",
		system: func(f Fields) string {
			return newsletterSystem("preview text") + " Output one sentence of preview text."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the inbox preview text for the newsletter issue %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "newsletter_body",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatMarkers,
		LengthTarget: "200-400 words",
		system: func(f Fields) string {
			return newsletterSystem("body") +
				" Structure the body with [INTRO], [HIGHLIGHTS], and [CLOSING] markers. " +
				"The highlights may only list offers, requests, and events present in the data; " +
				"if there are none, write a short general encouragement to post instead."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the newsletter body for the issue %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
}

func registerBlog() {
	blogSystem := "You write for the blog of a community exchange platform. " + antiFabricationContract
	register(&Template{
		Task:         "blog_title",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatPlainText,
		LengthTarget: "under 70 characters",
		system: func(f Fields) string {
			return blogSystem + " Output exactly one title, no quotes."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Propose a better title for a post about: %s.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "blog_excerpt",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatPlainText,
		LengthTarget: "2 sentences",
		system: func(f Fields) string {
			return blogSystem + " Output a two-sentence excerpt."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the excerpt for the post %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "blog_body",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatHTML,
		LengthTarget: "400-700 words",
		system: func(f Fields) string {
			return blogSystem + " Output the body as a clean HTML fragment using <h2>, <p>, and <ul> only."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the body of the post %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "blog_seo",
		Required:     []string{"title"},
		Optional:     []string{"context", "free_text"},
		Format:       FormatMarkers,
		LengthTarget: "meta description under 160 characters",
		system: func(f Fields) string {
			return blogSystem + " Output [META_TITLE] and [META_DESCRIPTION] markers with their values."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write SEO metadata for the post %q.%s",
				f["title"], fold(f, "free_text")))
		},
	})
	register(&Template{
		Task:         "blog_improve",
		Required:     []string{"free_text"},
		Optional:     []string{"context", "title"},
		Format:       FormatPlainText,
		LengthTarget: "same length as the input",
		system: func(f Fields) string {
			return blogSystem + " Improve clarity and flow without adding claims that are not in the draft."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Improve this draft:%s\n\n%s", fold(f, "title"), f["free_text"]))
		},
	})
}

func registerPage() {
	pageSystem := "You write website copy for a community exchange platform. " +
		"Keep the tone welcoming and plain. Do not invent member names or statistics; " +
		"testimonials and numbers may only restate what the input provides."
	section := func(task, what, length string, format Format) *Template {
		return &Template{
			Task:         task,
			Required:     []string{"title"},
			Optional:     []string{"context", "free_text"},
			Format:       format,
			LengthTarget: length,
			system: func(f Fields) string {
				return pageSystem + " Write the " + what + " for the page."
			},
			user: func(f Fields) string {
				return grounded(f, fmt.Sprintf("Page: %s.%s", f["title"], fold(f, "free_text")))
			},
		}
	}
	register(section("page_hero", "hero headline and subline", "headline under 10 words, subline one sentence", FormatMarkers))
	register(section("page_section", "body section", "100-200 words", FormatHTML))
	register(section("page_cta", "call-to-action block", "headline plus one sentence and a button label", FormatMarkers))
	register(section("page_features", "feature list", "3-5 features, one line each", FormatHTML))
	register(section("page_testimonials", "testimonial section", "only testimonials provided in the input", FormatHTML))
	register(section("page_faq", "FAQ section", "4-6 question/answer pairs", FormatHTML))
	register(section("page_seo", "SEO metadata", "meta description under 160 characters", FormatMarkers))
	register(section("page_full", "full page copy", "hero, two sections, features, FAQ, CTA", FormatHTML))
}

func registerListing() {
	register(&Template{
		Task:         "listing",
		Required:     []string{"title", "listing_type"},
		Optional:     []string{"category", "features", "location", "free_text", "context"},
		Format:       FormatPlainText,
		LengthTarget: "60-120 words",
		system: func(f Fields) string {
			return "You write listing descriptions for a community exchange platform where members " +
				"post offers and requests. Write in first person, friendly and specific. " +
				"Reference every provided detail (category, features, location); add no factual claims beyond them."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the description for a %s titled %q.%s",
				f["listing_type"], f["title"],
				fold(f, "category", "features", "location", "free_text")))
		},
	})
}

func registerEvent() {
	register(&Template{
		Task:         "event",
		Required:     []string{"title"},
		Optional:     []string{"event_date", "location", "category", "free_text", "context"},
		Format:       FormatPlainText,
		LengthTarget: "80-150 words",
		system: func(f Fields) string {
			return "You write event descriptions for a community exchange platform. " +
				"Be inviting and concrete. Reference every provided detail (date, location, category); " +
				"invent no speakers, schedules, or attendance numbers."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write the description for the event %q.%s",
				f["title"], fold(f, "event_date", "location", "category", "free_text")))
		},
	})
}

func registerMessageReply() {
	register(&Template{
		Task:         "message_reply",
		Required:     []string{"free_text"},
		Optional:     []string{"tone", "context"},
		Format:       FormatPlainText,
		LengthTarget: "2-4 sentences",
		system: func(f Fields) string {
			tone := strings.TrimSpace(f["tone"])
			if tone == "" {
				tone = "friendly"
			}
			return "You draft replies to direct messages between members of a community exchange platform. " +
				"Write a " + tone + " reply in first person. Commit to nothing the user did not state; " +
				"invent no names, dates, or promises."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Draft a reply to this message:\n%s", f["free_text"]))
		},
	})
}

func registerBio() {
	register(&Template{
		Task:         "bio",
		Required:     []string{"free_text"},
		Optional:     []string{"context"},
		Format:       FormatPlainText,
		LengthTarget: "40-80 words",
		system: func(f Fields) string {
			return "You write member profile bios for a community exchange platform. " +
				"Write in first person from the notes provided. Mention only skills and interests " +
				"the notes contain; invent no credentials or history."
		},
		user: func(f Fields) string {
			return grounded(f, fmt.Sprintf("Write my profile bio from these notes:\n%s", f["free_text"]))
		},
	})
}
