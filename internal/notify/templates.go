package notify

import (
	"fmt"

	htmltemplate "html/template"

	"github.com/rockdog/pushmanager/internal/model"
)

const verifySuccessBody = `
<p>PushManager has verified the branch for your request.</p>
<p>
	<strong>{{.User}} - {{.Title}}</strong><br/>
	<em>{{.Repo}}/{{.Branch}}</em><br/>
	<a href="{{.BaseURL}}/request?id={{.ID}}">{{.BaseURL}}/request?id={{.ID}}</a>
</p>
<p>Review # (if specified): <a href="https://{{.ReviewBoardServer}}/r/{{.ReviewID}}">{{.ReviewID}}</a></p>
<p>
	Verified revision: <code>{{.Revision}}</code><br/>
	<em>(If this is <strong>not</strong> the revision you expected, make sure
	you've pushed your latest version to the correct repo!)</em>
</p>
<p>Regards,<br/>PushManager</p>
`

const verifyFailureBody = `
<p><em>PushManager could <strong>not</strong> verify the branch for your request.</em></p>
<p>
	<strong>{{.User}} - {{.Title}}</strong><br/>
	<em>{{.Repo}}/{{.Branch}}</em><br/>
	<a href="{{.BaseURL}}/request?id={{.ID}}">{{.BaseURL}}/request?id={{.ID}}</a>
</p>
<p><strong>Error message</strong>:<br/>{{.FailureMsg}}</p>
<p>Review # (if specified): <a href="https://{{.ReviewBoardServer}}/r/{{.ReviewID}}">{{.ReviewID}}</a></p>
<p>Regards,<br/>PushManager</p>
`

const conflictDetectedBody = `
<p>PushManager has detected that your pickme contains conflicts with {{.ConflictsWith}}.</p>
<p>
	<strong>{{.User}} - {{.Title}}</strong><br/>
	<em>{{.Repo}}/{{.Branch}}</em><br/>
	<a href="{{.BaseURL}}/request?id={{.ID}}">{{.BaseURL}}/request?id={{.ID}}</a>
</p>
<p>Review # (if specified): <a href="https://{{.ReviewBoardServer}}/r/{{.ReviewID}}">{{.ReviewID}}</a></p>
<p><code>{{.Revision}}</code><br/>
<em>(If this is <strong>not</strong> the revision you expected, make sure
you've pushed your latest version to the correct repo!)</em></p>
<p>{{.Conflicts}}</p>
<p>Regards,<br/>PushManager</p>
`

const branchMovedBody = `
<p>Your open request for the merging of branch {{.Branch}} has been updated</p>
<p>
	<strong>{{.User}} - {{.Title}}</strong><br/>
	<em>{{.Repo}}/{{.Branch}}</em>
</p>
<p>
	Old SHA of branch's head: {{.OldRevision}}<br/>
	New SHA of branch's head: {{.NewRevision}}
</p>
<p>Regards,<br/>PushManager</p>
`

// VerifySuccessEmail renders the "[push]" success notification for a
// verified branch (spec §4.G, §7).
func VerifySuccessEmail(req model.Request, baseURL, reviewBoardServer string) (subject, body string, err error) {
	data := map[string]interface{}{
		"User": req.User, "Title": req.Title, "Repo": req.Repo, "Branch": req.Branch,
		"BaseURL": baseURL, "ID": req.ID, "ReviewBoardServer": reviewBoardServer,
		"ReviewID": reviewIDOrEmpty(req), "Revision": req.Revision,
	}
	out, err := renderHTML("verify-success", verifySuccessBody, data)
	return fmt.Sprintf("[push] %s - %s", req.User, req.Title), out, err
}

// VerifyFailureEmail renders the "[push]" failure notification (the
// original prefixes failures with the same subject as success; §7 also
// documents a [push error] variant used for the upstream-sampling failure
// path specifically).
func VerifyFailureEmail(req model.Request, failureMsg, baseURL, reviewBoardServer string) (subject, body string, err error) {
	data := map[string]interface{}{
		"User": req.User, "Title": req.Title, "Repo": req.Repo, "Branch": req.Branch,
		"BaseURL": baseURL, "ID": req.ID, "ReviewBoardServer": reviewBoardServer,
		"ReviewID": reviewIDOrEmpty(req), "FailureMsg": htmltemplate.HTML(failureMsg),
	}
	out, err := renderHTML("verify-failure", verifyFailureBody, data)
	return fmt.Sprintf("[push] %s - %s", req.User, req.Title), out, err
}

// SampleFailureEmail renders the "[push error]" notification sent when
// sampling the upstream branch tip itself failed (spec §4.G step 4, §7).
func SampleFailureEmail(req model.Request, stderr string) (subject, body string, err error) {
	data := map[string]interface{}{
		"User": req.User, "Title": req.Title, "Repo": req.Repo, "Branch": req.Branch, "Stderr": stderr,
	}
	const tmpl = `
<p>There was an error verifying your push request in Git:</p>
<p><strong>{{.User}} - {{.Title}}</strong><br/><em>{{.Repo}}/{{.Branch}}</em></p>
<p>Attempting to query the specified repository failed with the following error(s):</p>
<pre>{{.Stderr}}</pre>
<p>Regards,<br/>PushManager</p>
`
	out, err := renderHTML("sample-failure", tmpl, data)
	return fmt.Sprintf("[push error] %s - %s", req.User, req.Title), out, err
}

// ConflictDetectedEmail renders the "[push conflict]" notification (spec §4.F, §7).
func ConflictDetectedEmail(req model.Request, conflictsWithMaster bool, baseURL, reviewBoardServer string) (subject, body string, err error) {
	conflictsWith := "another pickme"
	if conflictsWithMaster {
		conflictsWith = "master"
	}
	data := map[string]interface{}{
		"User": req.User, "Title": req.Title, "Repo": req.Repo, "Branch": req.Branch,
		"BaseURL": baseURL, "ID": req.ID, "ReviewBoardServer": reviewBoardServer,
		"ReviewID": reviewIDOrEmpty(req), "Revision": req.Revision,
		"Conflicts":     htmltemplate.HTML(req.Conflicts),
		"ConflictsWith": conflictsWith,
	}
	out, err := renderHTML("conflict-detected", conflictDetectedBody, data)
	return fmt.Sprintf("[push conflict] %s - %s", req.User, req.Title), out, err
}

// ConflictDetectedChat renders the plain-text chat notification companion
// to ConflictDetectedEmail.
func ConflictDetectedChat(req model.Request, conflictsWithMaster bool, baseURL string) string {
	conflictsWith := "another pickme"
	if conflictsWithMaster {
		conflictsWith = "master"
	}
	return fmt.Sprintf(
		"PushManager has detected that your pickme for %s contains conflicts with %s\n%s/request?id=%d",
		req.Branch, conflictsWith, baseURL, req.ID,
	)
}

// BranchMovedEmail renders the reconciliation poller's "branch moved"
// notification (spec §4.I).
func BranchMovedEmail(req model.Request, newRevision string) (subject, body string, err error) {
	data := map[string]interface{}{
		"User": req.User, "Title": req.Title, "Repo": req.Repo, "Branch": req.Branch,
		"OldRevision": req.Revision, "NewRevision": newRevision,
	}
	out, err := renderHTML("branch-moved", branchMovedBody, data)
	return fmt.Sprintf("[push] %s - %s", req.User, req.Title), out, err
}

func reviewIDOrEmpty(req model.Request) string {
	if req.ReviewID == nil {
		return ""
	}
	return fmt.Sprintf("%d", *req.ReviewID)
}
